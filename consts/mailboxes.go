package consts

// FolderDelimiter separates the levels of a hierarchical folder name.
const FolderDelimiter = '/'

const DefaultFolder = "INBOX"
