package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeRecords streams the elements of a JSON array. The array may be the
// document itself or sit under the "value" key of an OData-style envelope.
// Both channels are closed when the stream ends.
func DecodeRecords[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	out := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		dec := json.NewDecoder(r)
		tok, err := dec.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		if tok == json.Delim('{') {
			if err := seekKey(dec, "value"); err != nil {
				errCh <- err
				return
			}
			if tok, err = dec.Token(); err != nil {
				errCh <- eris.Wrap(err, "json: read value token")
				return
			}
		}
		if tok != json.Delim('[') {
			errCh <- eris.Errorf("json: expected array, got %v", tok)
			return
		}

		for dec.More() {
			var item T
			if err := dec.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}
	}()

	return out, errCh
}

// seekKey advances dec inside an object until the value of key is next.
func seekKey(dec *json.Decoder, key string) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "json: read key")
		}
		if k, ok := tok.(string); ok && k == key {
			return nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return eris.Wrap(err, "json: skip value")
		}
	}
	return eris.Errorf("json: object has no %q array", key)
}
