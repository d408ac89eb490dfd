package signerapi

import (
	"context"

	"github.com/aegis-sign/cardsigner/pkg/signer"
)

// Backend 定义中转层接口，HTTP handler 通过它把批次交给签名代理。
type Backend interface {
	Submit(ctx context.Context, items []signer.Request) (any, error)
}

// HealthReporter 报告签名代理是否可达。
type HealthReporter interface {
	Healthy() bool
}
