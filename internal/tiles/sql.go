package tiles

import (
	_ "embed"
)

const (
	selectTileSQL = `
SELECT data
FROM tiles
WHERE
    key = ?`

	upsertTileSQL = `
INSERT OR REPLACE INTO tiles (key,
                              provider,
                              z,
                              x,
                              y,
                              data,
                              timestamp,
                              size)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	deleteExpiredSQL = `
DELETE
FROM tiles
WHERE
    timestamp < ?`

	selectTotalSizeSQL = `
SELECT COALESCE(SUM(size), 0)
FROM tiles`

	deleteOldestQuarterSQL = `
DELETE
FROM tiles
WHERE key IN (SELECT key
              FROM tiles
              ORDER BY timestamp
              LIMIT (SELECT MAX(1, COUNT(*) / 4) FROM tiles))`
)

//go:embed schema.sql
var schemaSQL string
