package cifs

import (
	"context"
	"io/fs"
)

// SMBSession abstracts an SMB session for testability.
// This interface wraps the go-smb2 Session type.
type SMBSession interface {
	// Mount mounts a share and returns an SMBShare interface.
	Mount(shareName string) (SMBShare, error)
	// Logoff ends the session.
	Logoff() error
}

// SMBShare abstracts a mounted share for testability.
// This interface wraps the go-smb2 Share type.
type SMBShare interface {
	// OpenFile opens a file with the specified flags and permissions.
	OpenFile(name string, flag int, perm fs.FileMode) (SMBFile, error)
	// Stat returns file info for the specified path.
	Stat(name string) (fs.FileInfo, error)
	// ReadDir lists the directory at name.
	ReadDir(name string) ([]fs.FileInfo, error)
	// Umount unmounts the share.
	Umount() error
}

// SMBFile abstracts an open SMB file for testability.
// This interface wraps the go-smb2 File type.
type SMBFile interface {
	Read(p []byte) (n int, err error)
	Close() error
	Stat() (fs.FileInfo, error)
}

// ConnectionFactory creates SMB connections for the connection pool.
type ConnectionFactory interface {
	// CreateConnection dials the server in config, sets up a session and
	// mounts config.Share.
	CreateConnection(ctx context.Context, config *Config) (SMBSession, SMBShare, error)
}
