package semantic

// DefaultApplicationName is reported to backends when the model names no
// application.
const DefaultApplicationName = "GenAI-Agent"

// TargetDetails returns the database and schema the model describes, keyed the
// way execution backends read them. Root database/schema keys win over
// collection_info, which wins over metadata. It returns nil when the model
// names neither.
func (m *Model) TargetDetails() map[string]string {
	var db, schema string
	switch {
	case m.Database != "" && m.Schema != "":
		db, schema = m.Database, m.Schema
	case m.CollectionInfo.Database != "" || m.CollectionInfo.SchemaName != "":
		db, schema = m.CollectionInfo.Database, m.CollectionInfo.SchemaName
	default:
		db = firstNonEmpty(m.Metadata.Database, m.Metadata.SourceDatabase)
		schema = m.Metadata.SchemaName
	}
	if db == "" && schema == "" {
		return nil
	}

	details := map[string]string{
		"db_type":  "mongodb",
		"app_name": DefaultApplicationName,
	}
	if db != "" {
		details["db_name"] = db
		details["dbName"] = db
	}
	if schema != "" {
		details["schema_name"] = schema
		details["userName"] = schema
	}
	return details
}
