package packages

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// PackageVersion is one published version of a package and the location of
// its artifact (a directory or a .zip archive).
type PackageVersion struct {
	Name      string `db:"name" json:"name"`
	Version   string `db:"version" json:"version"`
	Artifact  string `db:"artifact" json:"artifact"`
	UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

const packageSchema = `
CREATE TABLE IF NOT EXISTS package_versions_v1 (
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	artifact TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (name, version)
);
`

const getVersionsV1Sql = `
SELECT name, version, artifact, updated_at FROM package_versions_v1 WHERE name = $1 ORDER BY version;
`

const getVersionV1Sql = `
SELECT name, version, artifact, updated_at FROM package_versions_v1 WHERE name = $1 AND version = $2;
`

const listVersionsV1Sql = `
SELECT name, version, artifact, updated_at FROM package_versions_v1 ORDER BY name, updated_at;
`

const upsertVersionV1Sql = `
INSERT INTO package_versions_v1 (name, version, artifact, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name, version) DO UPDATE SET artifact = excluded.artifact, updated_at = excluded.updated_at;
`

const deleteVersionV1Sql = `
DELETE FROM package_versions_v1 WHERE name = $1 AND version = $2;
`

// Store is the package metadata store: published versions and artifact
// locations per package name.
type Store struct {
	DB *sqlx.DB
}

func NewStore(db *sqlx.DB) (*Store, error) {
	if err := PackageDBInit(db); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func PackageDBInit(db *sqlx.DB) error {
	_, err := db.Exec(packageSchema)
	return err
}

// Versions returns every published version of name. An unknown package
// yields ErrPackageNotFound.
func (s *Store) Versions(name string) ([]PackageVersion, error) {
	var versions []PackageVersion
	if err := s.DB.Select(&versions, getVersionsV1Sql, name); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrPackageNotFound
	}
	return versions, nil
}

// Get returns one exact version, or nil if it is not published.
func (s *Store) Get(name, version string) (*PackageVersion, error) {
	var pv PackageVersion
	err := s.DB.Get(&pv, getVersionV1Sql, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

func (s *Store) List() ([]PackageVersion, error) {
	var versions []PackageVersion
	err := s.DB.Select(&versions, listVersionsV1Sql)
	return versions, err
}

func (s *Store) Put(name, version, artifact string) error {
	_, err := s.DB.Exec(upsertVersionV1Sql, name, version, artifact, time.Now().UTC().UnixMilli())
	return err
}

func (s *Store) Delete(name, version string) error {
	_, err := s.DB.Exec(deleteVersionV1Sql, name, version)
	return err
}
