package options

import (
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// DefaultAAGUID identifies this software authenticator model inside attested
// credential data.
var DefaultAAGUID = uuid.MustParse("b35a26b2-8f6e-4697-ab1d-d44db4da28c6")

type Options struct {
	Logger  *slog.Logger
	EncMode cbor.EncMode
	AAGUID  uuid.UUID
	// RecoveryOrigin, when set, overrides the caller-supplied origin during
	// the delegated recovery assertion flow.
	RecoveryOrigin string
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithEncMode(encMode cbor.EncMode) Option {
	return func(opts *Options) {
		opts.EncMode = encMode
	}
}

func WithAAGUID(aaguid uuid.UUID) Option {
	return func(opts *Options) {
		opts.AAGUID = aaguid
	}
}

func WithRecoveryOrigin(origin string) Option {
	return func(opts *Options) {
		opts.RecoveryOrigin = origin
	}
}

func NewOptions(opts ...Option) *Options {
	encMode, _ := cbor.CTAP2EncOptions().EncMode()
	oo := &Options{
		Logger:  slog.Default(),
		EncMode: encMode,
		AAGUID:  DefaultAAGUID,
	}

	for _, opt := range opts {
		opt(oo)
	}

	return oo
}
