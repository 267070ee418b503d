package sqlite

const schema = `
-- Whole documents (task state, planning context, meeting audit)
CREATE TABLE IF NOT EXISTS documents (
    task_id TEXT NOT NULL,
    name TEXT NOT NULL,
    data BLOB NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (task_id, name)
);

CREATE INDEX IF NOT EXISTS idx_documents_task ON documents(task_id);

-- Append-only line documents (transcripts)
CREATE TABLE IF NOT EXISTS document_lines (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    name TEXT NOT NULL,
    data BLOB NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_document_lines_doc ON document_lines(task_id, name, id);
`
