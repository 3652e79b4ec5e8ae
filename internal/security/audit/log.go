// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// macField separates the signed body from the MAC on each line. The MAC is
// always the last field json.Marshal emits for Event.
var macField = []byte(`,"mac":"`)

// MaxLineSize bounds a single audit line when reading.
const MaxLineSize = 1 << 20

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit log closed")

// Logger appends chained events to a JSONL file. It is safe for concurrent use.
type Logger struct {
	path      string
	file      *os.File
	key       []byte
	prev      string
	redactors []Redactor
	now       func() time.Time
	mu        sync.Mutex
}

// Open opens path for appending and resumes the chain from its last line.
func Open(path string, key []byte) (*Logger, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrNoKey, KeySize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	prev, err := lastMAC(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &Logger{
		path:      path,
		file:      file,
		key:       append([]byte(nil), key...),
		prev:      prev,
		redactors: DefaultRedactors(),
		now:       time.Now,
	}, nil
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Record redacts, chains, and appends e.
func (l *Logger) Record(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	e = redact(e, l.redactors)
	e.Prev = l.prev
	e.MAC = ""

	line, mac, err := seal(l.key, e)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	l.prev = mac
	return nil
}

// Close flushes and closes the file and zeros the key.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.key {
		l.key[i] = 0
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// seal encodes e (with MAC empty) and returns the final line and its MAC.
func seal(key []byte, e Event) ([]byte, string, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal audit event: %w", err)
	}
	mac := computeMAC(key, e.Prev, body)

	line := make([]byte, 0, len(body)+len(macField)+len(mac)+3)
	line = append(line, body[:len(body)-1]...)
	line = append(line, macField...)
	line = append(line, mac...)
	line = append(line, '"', '}', '\n')
	return line, mac, nil
}

func computeMAC(key []byte, prev string, body []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(prev))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// splitLine separates a line into its signed body and MAC.
func splitLine(line []byte) (body []byte, mac string, ok bool) {
	line = bytes.TrimRight(line, "\r\n")
	idx := bytes.LastIndex(line, macField)
	if idx < 0 || len(line) < idx+len(macField)+2 || !bytes.HasSuffix(line, []byte(`"}`)) {
		return nil, "", false
	}
	mac = string(line[idx+len(macField) : len(line)-2])
	body = append(append([]byte(nil), line[:idx]...), '}')
	return body, mac, true
}

// lastMAC returns the MAC of the last line in path, or "" for an empty file.
func lastMAC(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last []byte
	err = scanLines(f, func(_ int, line []byte) error {
		last = append(last[:0], line...)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read audit log: %w", err)
	}
	if len(last) == 0 {
		return "", nil
	}
	_, mac, ok := splitLine(last)
	if !ok {
		return "", fmt.Errorf("audit log %s ends with a malformed line", path)
	}
	return mac, nil
}

func scanLines(r io.Reader, fn func(n int, line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}
