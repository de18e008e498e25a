package configstore

import (
	"context"
	"errors"
)

var ErrWatchUnsupported = errors.New("store does not support watching")

type ConfigStore interface {
	Load(ctx context.Context, out any) error
	Save(ctx context.Context, data any) error
}
