//
// Copyright 2023 BuildXL Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package allowlist

import (
	"encoding/binary"
	"fmt"
	"io"
)

// wireEntry mirrors one serialized rule: pattern text (not compiled),
// cacheability, and name (§4.7).
type wireEntry struct {
	Name      string
	Pattern   string
	Cacheable bool
}

// Serialize renders the allow-list to its wire form: a count-prefixed
// sequence of value-symbol entries, then a count-prefixed sequence of
// process-image entries, then a count-prefixed map of module-id ->
// nested allow-list payload (§4.7).
func (a *AllowList) Serialize(w io.Writer) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	valueSymbolEntries := flattenKeyed(a.byValueSymbol)
	imageEntries := flattenKeyed(a.byImagePath)

	if err := writeKeyedEntries(w, valueSymbolEntries); err != nil {
		return fmt.Errorf("failed to serialize value-symbol entries: %w", err)
	}
	if err := writeKeyedEntries(w, imageEntries); err != nil {
		return fmt.Errorf("failed to serialize image entries: %w", err)
	}

	if err := writeUint32(w, uint32(len(a.byModule))); err != nil {
		return err
	}
	for moduleID, module := range a.byModule {
		if err := writeString(w, moduleID); err != nil {
			return err
		}
		if err := module.Serialize(w); err != nil {
			return fmt.Errorf("failed to serialize module %q: %w", moduleID, err)
		}
	}

	return nil
}

type keyedEntry struct {
	key   string
	entry wireEntry
}

func flattenKeyed(m map[string][]*Entry) []keyedEntry {
	var out []keyedEntry
	for key, entries := range m {
		for _, e := range entries {
			out = append(out, keyedEntry{key: key, entry: wireEntry{Name: e.Name, Pattern: e.Pattern, Cacheable: e.Cacheable}})
		}
	}
	return out
}

func writeKeyedEntries(w io.Writer, entries []keyedEntry) error {
	if err := writeUint32(w, uint32(len(entries))); err != nil {
		return err
	}
	for _, ke := range entries {
		if err := writeString(w, ke.key); err != nil {
			return err
		}
		if err := writeString(w, ke.entry.Name); err != nil {
			return err
		}
		if err := writeString(w, ke.entry.Pattern); err != nil {
			return err
		}
		if err := writeBool(w, ke.entry.Cacheable); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize builds a new AllowList from the wire form, compiling each pattern's
// regex with the {compiled, culture-invariant, case-insensitive} flags
// described in §4.7. A malformed pattern is a ConfigurationError.
func Deserialize(r io.Reader) (*AllowList, error) {
	a := New()

	valueSymbolCount, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read value-symbol count: %w", err)
	}
	for i := uint32(0); i < valueSymbolCount; i++ {
		key, entry, err := readKeyedEntry(r)
		if err != nil {
			return nil, err
		}
		e, err := NewEntry(entry.Name, entry.Pattern, entry.Cacheable)
		if err != nil {
			return nil, err
		}
		a.AddByValueSymbol(key, e)
	}

	imageCount, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image entry count: %w", err)
	}
	for i := uint32(0); i < imageCount; i++ {
		key, entry, err := readKeyedEntry(r)
		if err != nil {
			return nil, err
		}
		e, err := NewEntry(entry.Name, entry.Pattern, entry.Cacheable)
		if err != nil {
			return nil, err
		}
		a.AddByImage(key, e)
	}

	moduleCount, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read module count: %w", err)
	}
	for i := uint32(0); i < moduleCount; i++ {
		moduleID, err := readString(r)
		if err != nil {
			return nil, err
		}
		module, err := Deserialize(r)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize module %q: %w", moduleID, err)
		}
		a.AddModule(moduleID, module)
	}

	return a, nil
}

func readKeyedEntry(r io.Reader) (string, wireEntry, error) {
	key, err := readString(r)
	if err != nil {
		return "", wireEntry{}, fmt.Errorf("failed to read entry key: %w", err)
	}
	name, err := readString(r)
	if err != nil {
		return "", wireEntry{}, fmt.Errorf("failed to read entry name: %w", err)
	}
	pattern, err := readString(r)
	if err != nil {
		return "", wireEntry{}, fmt.Errorf("failed to read entry pattern: %w", err)
	}
	cacheable, err := readBool(r)
	if err != nil {
		return "", wireEntry{}, fmt.Errorf("failed to read entry cacheable flag: %w", err)
	}
	return key, wireEntry{Name: name, Pattern: pattern, Cacheable: cacheable}, nil
}

// RoundTrip is a self-test hook (§8 invariant 6): it serializes a and
// deserializes the result, returning the reconstructed list. Used by
// this package's own tests and, optionally, by the engine's
// admission-time ConfigurationError check on a freshly loaded list.
func RoundTrip(a *AllowList) (*AllowList, error) {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Serialize(pw)
		pw.Close()
	}()

	out, err := Deserialize(pr)
	if err != nil {
		// Unblock the serializer, which may still be writing.
		pr.CloseWithError(err)
	}
	if serr := <-errCh; serr != nil && err == nil {
		err = serr
	}
	return out, err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBool(w io.Writer, b bool) error {
	var v byte
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}
