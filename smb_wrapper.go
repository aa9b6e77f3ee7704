package cifs

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/absfs/cifs/netbios"
	"github.com/hirochachacha/go-smb2"
)

// realSMBSession wraps a go-smb2 Session to implement SMBSession.
type realSMBSession struct {
	session *smb2.Session
}

// Mount mounts a share and returns an SMBShare interface.
func (s *realSMBSession) Mount(shareName string) (SMBShare, error) {
	share, err := s.session.Mount(shareName)
	if err != nil {
		return nil, err
	}
	return &realSMBShare{share: share}, nil
}

// Logoff ends the session.
func (s *realSMBSession) Logoff() error {
	return s.session.Logoff()
}

// realSMBShare wraps a go-smb2 Share to implement SMBShare.
type realSMBShare struct {
	share *smb2.Share
}

func (sh *realSMBShare) OpenFile(name string, flag int, perm fs.FileMode) (SMBFile, error) {
	file, err := sh.share.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (sh *realSMBShare) Stat(name string) (fs.FileInfo, error) {
	return sh.share.Stat(name)
}

func (sh *realSMBShare) ReadDir(name string) ([]fs.FileInfo, error) {
	return sh.share.ReadDir(name)
}

func (sh *realSMBShare) Umount() error {
	return sh.share.Umount()
}

// SMBConnectionFactory implements ConnectionFactory with go-smb2 sessions
// over connections opened by the NetBIOS aware dialer.
type SMBConnectionFactory struct {
	resolver *netbios.Client
}

// NewSMBConnectionFactory returns a factory that resolves servers with resolver.
func NewSMBConnectionFactory(resolver *netbios.Client) *SMBConnectionFactory {
	return &SMBConnectionFactory{resolver: resolver}
}

// CreateConnection creates a real SMB connection.
func (f *SMBConnectionFactory) CreateConnection(ctx context.Context, config *Config) (SMBSession, SMBShare, error) {
	ctx, cancel := context.WithTimeout(ctx, config.ConnTimeout)
	defer cancel()

	netConn, err := newSessionDialer(f.resolver, config).DialContext(ctx, config.Server)
	if err != nil {
		return nil, nil, err
	}

	initiator := &smb2.NTLMInitiator{
		User:     config.Username,
		Password: config.Password,
		Domain:   config.Domain,
	}
	if config.GuestAccess {
		initiator = &smb2.NTLMInitiator{User: "guest"}
	}
	d := &smb2.Dialer{Initiator: initiator}

	session, err := d.DialContext(ctx, netConn)
	if err != nil {
		netConn.Close()
		return nil, nil, fmt.Errorf("SMB session setup failed: %w", err)
	}

	share, err := session.WithContext(ctx).Mount(config.Share)
	if err != nil {
		_ = session.Logoff()
		netConn.Close()
		return nil, nil, fmt.Errorf("failed to mount share %s: %w", config.Share, err)
	}
	// The share keeps the context it was mounted with; detach it from the
	// dial timeout.
	share = share.WithContext(context.Background())

	return &realSMBSession{session: session}, &realSMBShare{share: share}, nil
}
