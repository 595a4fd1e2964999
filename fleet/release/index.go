package release

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Release is one downloaded and verified release kept in the local cache.
type Release struct {
	Version       string `db:"version"`
	Platform      string `db:"platform"`
	ArchiveDigest string `db:"archive_digest"`
	BinaryDigest  string `db:"binary_digest"`
	BinaryPath    string `db:"binary_path"`
	FetchedAt     int64  `db:"fetched_at"`
}

const releaseSchema = `
CREATE TABLE IF NOT EXISTS release_v1 (
	version TEXT NOT NULL,
	platform TEXT NOT NULL,
	archive_digest TEXT NOT NULL,
	binary_digest TEXT NOT NULL,
	binary_path TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (version, platform)
);
`

const getReleaseV1Sql = `
SELECT version, platform, archive_digest, binary_digest, binary_path, fetched_at
FROM release_v1 WHERE version = $1 AND platform = $2;
`

const upsertReleaseV1Sql = `
INSERT INTO release_v1 (version, platform, archive_digest, binary_digest, binary_path, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (version, platform) DO UPDATE SET
	archive_digest = excluded.archive_digest,
	binary_digest = excluded.binary_digest,
	binary_path = excluded.binary_path,
	fetched_at = excluded.fetched_at;
`

const listReleasesV1Sql = `
SELECT version, platform, archive_digest, binary_digest, binary_path, fetched_at
FROM release_v1 ORDER BY fetched_at DESC;
`

const deleteReleaseV1Sql = `
DELETE FROM release_v1 WHERE version = $1 AND platform = $2;
`

func ReleaseDBInit(db *sqlx.DB) error {
	_, err := db.Exec(releaseSchema)
	return err
}

// ReleaseDBGet returns the cached release, or nil if it was never fetched.
func ReleaseDBGet(db *sqlx.DB, version, platform string) (*Release, error) {
	var rel Release
	err := db.Get(&rel, getReleaseV1Sql, version, platform)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func ReleaseDBUpsert(db *sqlx.DB, rel *Release) error {
	if rel.FetchedAt == 0 {
		rel.FetchedAt = time.Now().Unix()
	}
	_, err := db.Exec(upsertReleaseV1Sql, rel.Version, rel.Platform, rel.ArchiveDigest, rel.BinaryDigest, rel.BinaryPath, rel.FetchedAt)
	return err
}

func ReleaseDBList(db *sqlx.DB) ([]Release, error) {
	var releases []Release
	err := db.Select(&releases, listReleasesV1Sql)
	return releases, err
}

func ReleaseDBDelete(db *sqlx.DB, version, platform string) error {
	_, err := db.Exec(deleteReleaseV1Sql, version, platform)
	return err
}
