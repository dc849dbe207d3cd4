//go:build !linux

package hostif

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/die-net/tunnelkit/internal/session"
)

type Provider struct{}

func NewProvider(logrus.FieldLogger) *Provider {
	return &Provider{}
}

func (p *Provider) Acquire(_ context.Context, spec session.InterfaceSpec) (session.Interface, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}
