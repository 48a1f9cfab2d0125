package storage

const (
	// DefaultTableName is the table used when no name is configured
	DefaultTableName = "UserConversationsTable"

	// Key attributes
	AttrPK = "PK"
	AttrSK = "SK"

	// Metadata attributes
	AttrConversationID = "ConversationID"
	AttrUserID         = "UserID"
	AttrTitle          = "Title"
	AttrCreatedAt      = "CreatedAt"
	AttrUpdatedAt      = "UpdatedAt"
	AttrPinned         = "Pinned"
	AttrArchived       = "Archived"
	AttrMeta           = "Meta"
	AttrFolderID       = "FolderID"
	AttrVersion        = "Version"
	AttrDeletingAt     = "DeletingAt"

	// Message attributes
	AttrMessageID = "MessageID"
	AttrContent   = "Content"
	AttrSender    = "Sender"
	AttrTimestamp = "Timestamp"
	AttrMetadata  = "Metadata"

	// MetaTagsKey is the key of the tag list inside the Meta map
	MetaTagsKey = "tags"
)

// Expressions understood by the repository. Conditions are kept as constants
// so every write path uses exactly the same text.
const (
	condCreate     = "attribute_not_exists(" + AttrPK + ")"
	condVersion    = "#version = :version AND attribute_not_exists(#deleting)"
	condMessageNew = "attribute_not_exists(" + AttrSK + ")"

	keyPartition    = AttrPK + " = :pk"
	keyMessageRange = AttrPK + " = :pk AND " + AttrSK + " BETWEEN :lo AND :hi"

	projectionKeys = AttrPK + ", " + AttrSK
)

// TableSchema returns the DynamoDB table creation parameters
type TableSchema struct {
	TableName string
	// Primary key
	PartitionKey string
	SortKey      string
}

// GetTableSchema returns the schema configuration for the conversations table.
// Messages, metadata and tag index entries share the table; no secondary
// indexes are required.
func GetTableSchema(tableName string) TableSchema {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return TableSchema{
		TableName:    tableName,
		PartitionKey: AttrPK,
		SortKey:      AttrSK,
	}
}
