package database

import (
	"database/sql"
	stdlog "log"

	"github.com/username/tradevault/backend/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	if logger.L != nil {
		logger.L.Info("Checking database migrations", "databasePath", databasePath)
	} else {
		stdlog.Println("Checking database migrations for:", databasePath)
	}

	if err := CreateTables(DB); err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}
	migrateDatabase()

	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}

// CreateTables ensures the ingestion schema exists. Split out so tests can
// build the schema on an in-memory database.
func CreateTables(db *sql.DB) error {
	createTableStatement := `
	CREATE TABLE IF NOT EXISTS import_batches (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		broker_type TEXT,
		import_type TEXT NOT NULL,
		status TEXT NOT NULL,
		total_records INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		errors TEXT,
		ai_mapping_used BOOLEAN DEFAULT FALSE,
		mapping_confidence REAL DEFAULT 0,
		column_mappings TEXT,
		user_review_required BOOLEAN DEFAULT FALSE,
		requires_broker_selection BOOLEAN DEFAULT FALSE,
		raw_content TEXT,
		account_tags TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS csv_upload_logs (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		headers TEXT,
		row_count INTEGER DEFAULT 0,
		upload_status TEXT NOT NULL,
		parse_method TEXT,
		import_batch_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(import_batch_id) REFERENCES import_batches(id)
	);

	CREATE TABLE IF NOT EXISTS pending_reviews (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		import_batch_id TEXT NOT NULL,
		proposed_mappings TEXT,
		confidence REAL DEFAULT 0,
		broker_hint TEXT,
		resolved BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		resolved_at TIMESTAMP,
		FOREIGN KEY(import_batch_id) REFERENCES import_batches(id)
	);

	CREATE TABLE IF NOT EXISTS broker_formats (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		broker_name TEXT NOT NULL,
		version INTEGER DEFAULT 1,
		fingerprint TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		field_mappings TEXT NOT NULL,
		detection_patterns TEXT NOT NULL,
		usage_count INTEGER DEFAULT 0,
		last_success_rate REAL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS normalized_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		import_batch_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		limit_price REAL,
		status TEXT,
		order_placed_time TIMESTAMP,
		order_executed_time TIMESTAMP NOT NULL,
		order_cancelled_time TIMESTAMP,
		account_id TEXT,
		broker_type TEXT,
		broker_metadata TEXT,
		tags TEXT,
		FOREIGN KEY(import_batch_id) REFERENCES import_batches(id),
		UNIQUE(user_id, symbol, quantity, order_executed_time, broker_type)
	);

	CREATE TABLE IF NOT EXISTS normalized_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		import_batch_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL,
		executed_time TIMESTAMP NOT NULL,
		account_id TEXT,
		broker_type TEXT,
		broker_metadata TEXT,
		tags TEXT,
		FOREIGN KEY(import_batch_id) REFERENCES import_batches(id),
		UNIQUE(user_id, symbol, quantity, executed_time, broker_type)
	);
	`
	_, err := db.Exec(createTableStatement)
	return err
}

// migrateDatabase adds columns introduced after the initial schema shipped.
func migrateDatabase() {
	var tableName string
	err := DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='import_batches'").Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			return
		}
		if logger.L != nil {
			logger.L.Error("Error checking for import_batches table", "error", err)
		} else {
			stdlog.Printf("Error checking for import_batches table: %v", err)
		}
		return
	}

	rows, err := DB.Query("PRAGMA table_info(import_batches)")
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Error querying table schema for import_batches", "error", err)
		} else {
			stdlog.Printf("Error querying table schema: %v", err)
		}
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			if logger.L != nil {
				logger.L.Error("Error scanning column info", "error", err)
			} else {
				stdlog.Printf("Error scanning column info: %v", err)
			}
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		if logger.L != nil {
			logger.L.Error("Error iterating over column info", "error", err)
		}
		return
	}

	if _, ok := columnExists["requires_broker_selection"]; !ok {
		if _, err := DB.Exec("ALTER TABLE import_batches ADD COLUMN requires_broker_selection BOOLEAN DEFAULT FALSE"); err != nil {
			logger.L.Error("Error adding requires_broker_selection column", "error", err)
		} else {
			logger.L.Info("Added requires_broker_selection column to import_batches table")
		}
	}
	if _, ok := columnExists["raw_content"]; !ok {
		if _, err := DB.Exec("ALTER TABLE import_batches ADD COLUMN raw_content TEXT"); err != nil {
			logger.L.Error("Error adding raw_content column", "error", err)
		} else {
			logger.L.Info("Added raw_content column to import_batches table")
		}
	}
	if _, ok := columnExists["account_tags"]; !ok {
		if _, err := DB.Exec("ALTER TABLE import_batches ADD COLUMN account_tags TEXT"); err != nil {
			logger.L.Error("Error adding account_tags column", "error", err)
		} else {
			logger.L.Info("Added account_tags column to import_batches table")
		}
	}
}
