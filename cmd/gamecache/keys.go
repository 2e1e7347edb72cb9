package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"github.com/meigma/gamecache"
)

// defaultKeyIndex is the index of map archives, used when a key entry does
// not name one.
const defaultKeyIndex = 5

// loadKeys reads a JSON key dump: an array of objects holding "archive"
// (the index, optional), "group" (the archive id) and "key" (four signed
// 32-bit words).
func loadKeys(path string) (gamecache.KeyMap, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user supplied path
	if err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	return parseKeys(data)
}

func parseKeys(data []byte) (gamecache.KeyMap, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("keys: invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return nil, errors.New("keys: expected a JSON array")
	}

	keys := gamecache.KeyMap{}
	var parseErr error
	doc.ForEach(func(pos, entry gjson.Result) bool {
		group := entry.Get("group")
		if !group.Exists() {
			parseErr = fmt.Errorf("keys: entry %d has no group", pos.Int())
			return false
		}
		words := entry.Get("key").Array()
		if len(words) != 4 {
			parseErr = fmt.Errorf("keys: entry %d: key has %d words, want 4", pos.Int(), len(words))
			return false
		}
		var w [4]int32
		for i, word := range words {
			w[i] = int32(word.Int()) //nolint:gosec // key words are signed 32-bit
		}
		index := defaultKeyIndex
		if a := entry.Get("archive"); a.Exists() {
			index = int(a.Int())
		}
		if keys[index] == nil {
			keys[index] = map[int]gamecache.Key{}
		}
		keys[index][int(group.Int())] = gamecache.KeyFromInts(w)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return keys, nil
}
