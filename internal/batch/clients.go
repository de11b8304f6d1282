package batch

import (
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/dest"
	"github.com/forgesync-io/forgesync/internal/errkind"
	"github.com/forgesync-io/forgesync/internal/source"
)

// ClientFactory materializes forge clients from a configuration. The
// decrypted token is returned alongside the source client because the
// destination needs it for authenticated clone addresses; callers must keep
// its scope to the outbound call.
type ClientFactory interface {
	SourceClient(cfg *db.Config) (source.Client, string, error)
	DestClient(cfg *db.Config) (dest.Client, error)
}

type forgeFactory struct {
	logger *zap.Logger
}

// NewClientFactory returns the production factory over the real forge APIs.
func NewClientFactory(logger *zap.Logger) ClientFactory {
	return &forgeFactory{logger: logger}
}

func (f *forgeFactory) SourceClient(cfg *db.Config) (source.Client, string, error) {
	token := string(cfg.SourceToken)
	if token == "" {
		return nil, "", errkind.New(errkind.ConfigInvalid, "source token is not configured")
	}
	c, err := source.NewClient(source.Config{Token: token, Logger: f.logger})
	if err != nil {
		return nil, "", err
	}
	return c, token, nil
}

func (f *forgeFactory) DestClient(cfg *db.Config) (dest.Client, error) {
	return dest.NewClient(dest.Config{
		URL:    cfg.DestURL,
		Token:  string(cfg.DestToken),
		Logger: f.logger,
	})
}
