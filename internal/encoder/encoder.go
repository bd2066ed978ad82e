// Package encoder turns face images into fixed-length embeddings.
package encoder

import (
	"context"
	"errors"
)

var (
	// ErrEncodingFailed is returned when no usable face region is found.
	ErrEncodingFailed = errors.New("encoding failed")
	// ErrEncodingTimeout is returned when the per-probe deadline expires during encoding.
	ErrEncodingTimeout = errors.New("encoding timeout")
)

// Encoder computes a face embedding from an image.
type Encoder interface {
	Encode(ctx context.Context, image []byte) ([]float32, error)
}

// Func adapts a plain function to the Encoder interface.
type Func func(ctx context.Context, image []byte) ([]float32, error)

// Encode implements Encoder.
func (f Func) Encode(ctx context.Context, image []byte) ([]float32, error) {
	return f(ctx, image)
}

// classify maps a context error to ErrEncodingTimeout, leaving other errors as they are.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrEncodingTimeout, err)
	}
	return err
}
