package cifs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/absfs/cifs/netbios"
)

var _ netbios.IncludeReader = (*SMBIncludeReader)(nil)

// SMBIncludeReader fetches lmhosts #INCLUDE targets (\\server\share\path)
// over SMB. Each read opens its own session with the credentials and
// transport settings of a template Config.
type SMBIncludeReader struct {
	config  *Config
	factory ConnectionFactory
}

// NewSMBIncludeReader returns a reader that connects through factory using
// the credentials in config.
func NewSMBIncludeReader(config *Config, factory ConnectionFactory) *SMBIncludeReader {
	return &SMBIncludeReader{config: config, factory: factory}
}

// ReadInclude opens the file named by unc. Closing the returned reader
// closes the file and its session.
func (r *SMBIncludeReader) ReadInclude(ctx context.Context, unc string) (io.ReadCloser, error) {
	server, share, file, err := parseUNC(unc)
	if err != nil {
		return nil, err
	}

	cfg := *r.config
	cfg.Server = server
	cfg.Share = share
	cfg.setDefaults()

	session, sh, err := r.factory.CreateConnection(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("include %s: %w", unc, err)
	}

	f, err := sh.OpenFile(toSMBPath(file), os.O_RDONLY, 0)
	if err != nil {
		_ = sh.Umount()
		_ = session.Logoff()
		return nil, fmt.Errorf("include %s: %w", unc, convertError(err))
	}
	return &includeFile{SMBFile: f, share: sh, session: session}, nil
}

// includeFile is an open include target owning its share and session.
type includeFile struct {
	SMBFile
	share   SMBShare
	session SMBSession
}

func (f *includeFile) Close() error {
	return errors.Join(f.SMBFile.Close(), f.share.Umount(), f.session.Logoff())
}
