package bridge

import (
	"context"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/automation"
	"github.com/khanhromvn/flexbrowser/internal/model"
)

// BridgeAPI is the browser side used by the HTTP handlers.
type BridgeAPI interface {
	ListViews() []Info
	TabPage(ctx context.Context, acc model.Account, tab model.Tab) (automation.Page, error)
	Lock(key, owner string, ttl time.Duration) (release func(), err error)
	LockInfo(key string) *LockInfo
}

var _ BridgeAPI = (*Bridge)(nil)
