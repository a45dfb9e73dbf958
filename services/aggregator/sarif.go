package aggregator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"

	"github.com/gosimple/slug"
)

func sarifKey(taskID, service, tool string) string {
	return path.Join("sarif", taskID, slug.Make(service), slug.Make(tool)+".sarif.json")
}

// canonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace, keeping numbers as written.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// extractBlob stores raw under key and returns the reference that replaces
// it in the document. Equal input always yields an equal reference.
func extractBlob(ctx context.Context, store BlobStore, key string, raw json.RawMessage) (*BlobRef, error) {
	data, err := canonicalJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, key, data); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return &BlobRef{Ref: key, SHA256: hex.EncodeToString(sum[:]), Bytes: len(data)}, nil
}
