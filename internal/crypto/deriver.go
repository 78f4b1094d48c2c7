package crypto

import "context"

// Deriver runs key derivations on a bounded pool so a deliberately expensive
// PBKDF2 (up to a million iterations) cannot occupy every goroutine serving
// requests. Acquiring a slot honors the context; once a derivation starts it
// runs to completion.
type Deriver struct {
	sem chan struct{}
}

func NewDeriver(workers int) *Deriver {
	if workers < 1 {
		workers = 1
	}
	return &Deriver{sem: make(chan struct{}, workers)}
}

func (d *Deriver) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Deriver) MakeKey(ctx context.Context, password, salt string, p KdfParams) ([]byte, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-d.sem }()
	return MakeKey(password, salt, p)
}

func (d *Deriver) HashPassword(ctx context.Context, password, salt string, p KdfParams) (string, error) {
	if err := d.acquire(ctx); err != nil {
		return "", err
	}
	defer func() { <-d.sem }()
	return HashPassword(password, salt, p)
}
