package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunglas/httpsfv"
)

// MergeHeader carries merge metadata as an RFC 8941 dictionary:
//
//	Cart-Merge: key="6f1c...", lines=3
//
// The server applies each key at most once.
const MergeHeader = "Cart-Merge"

// MergeMeta is the decoded Cart-Merge header.
type MergeMeta struct {
	Key   string
	Lines int
}

// FormatMergeHeader encodes meta as a structured-field dictionary.
func FormatMergeHeader(meta MergeMeta) (string, error) {
	if meta.Key == "" {
		return "", errors.New("merge key is required")
	}
	dict := httpsfv.NewDictionary()
	dict.Add("key", httpsfv.NewItem(meta.Key))
	dict.Add("lines", httpsfv.NewItem(int64(meta.Lines)))
	return httpsfv.Marshal(dict)
}

// ParseMergeHeader decodes a Cart-Merge header. Unknown keys are ignored.
func ParseMergeHeader(header string) (MergeMeta, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return MergeMeta{}, errors.New("empty Cart-Merge header")
	}

	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return MergeMeta{}, fmt.Errorf("invalid Cart-Merge header: %w", err)
	}

	var meta MergeMeta

	member, ok := dict.Get("key")
	if !ok {
		return MergeMeta{}, errors.New("key not found in Cart-Merge header")
	}
	item, ok := member.(httpsfv.Item)
	if !ok {
		return MergeMeta{}, errors.New("key value must be an item")
	}
	if meta.Key, ok = item.Value.(string); !ok || meta.Key == "" {
		return MergeMeta{}, errors.New("key value must be a non-empty string")
	}

	if member, ok := dict.Get("lines"); ok {
		item, ok := member.(httpsfv.Item)
		if !ok {
			return MergeMeta{}, errors.New("lines value must be an item")
		}
		n, ok := item.Value.(int64)
		if !ok || n < 0 {
			return MergeMeta{}, errors.New("lines value must be a non-negative integer")
		}
		meta.Lines = int(n)
	}

	return meta, nil
}

type mergeKeyCtx struct{}

// WithMergeKey attaches the idempotency key MergeItems sends with the request.
func WithMergeKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, mergeKeyCtx{}, key)
}

// MergeKeyFrom returns the key set by WithMergeKey.
func MergeKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(mergeKeyCtx{}).(string)
	return key, ok && key != ""
}
