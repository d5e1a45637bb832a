package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/miekg/dns"
)

// Snapshot file layout: a 16-byte header (8-byte magic, format version,
// entry count, little-endian) followed by length-prefixed records in
// most-to-least recently used order. Readers reject unknown versions.
var snapshotMagic = [8]byte{'o', 'w', 'd', 'n', 's', 'c', 'h', 'e'}

const snapshotVersion = uint32(1)

const (
	flagNegative  = 1 << 0
	flagValidated = 1 << 1
)

// Snapshot errors.
var (
	ErrBadMagic   = errors.New("cache: snapshot magic mismatch")
	ErrBadVersion = errors.New("cache: unsupported snapshot version")
)

// Snapshot writes up to max non-expired entries to w, most recently used
// first. A non-positive max writes every live entry.
func (c *Cache) Snapshot(w io.Writer, max int) error {
	entries := c.ordered(max)

	header := make([]byte, 16)
	copy(header, snapshotMagic[:])
	binary.LittleEndian.PutUint32(header[8:], snapshotVersion)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(entries)))

	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, le := range entries {
		if err := writeRecord(w, le.key, le.entry); err != nil {
			return err
		}
	}

	return nil
}

// Restore replays a snapshot from r, rebuilding LRU order from file
// order. Entries already expired are skipped when skipExpired is set.
func (c *Cache) Restore(r io.Reader, skipExpired bool) error {
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("cache: short snapshot header: %w", err)
	}

	if [8]byte(header[:8]) != snapshotMagic {
		return ErrBadMagic
	}

	if binary.LittleEndian.Uint32(header[8:]) != snapshotVersion {
		return ErrBadVersion
	}

	count := binary.LittleEndian.Uint32(header[12:])
	now := c.now()

	// File order is MRU first; replaying in reverse leaves the first
	// record at the front of the rebuilt list.
	keys := make([]Key, 0, count)
	entries := make([]*Entry, 0, count)

	for i := uint32(0); i < count; i++ {
		k, e, err := readRecord(r)
		if err != nil {
			return err
		}

		if skipExpired && e.Expired(now) {
			continue
		}

		keys = append(keys, k)
		entries = append(entries, e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]

		if el, ok := c.items[k]; ok {
			c.removeLocked(el)
		}

		el := c.ll.PushFront(&lruEntry{key: k, entry: entries[i]})
		c.items[k] = el

		if !k.Scope.IsEmpty() {
			c.trackScope(k.Question(), k.Scope)
		}
	}

	for c.ll.Len() > c.capacity {
		c.removeLocked(c.ll.Back())
	}

	return nil
}

func writeRecord(w io.Writer, k Key, e *Entry) error {
	packed, err := e.Raw().Pack()
	if err != nil {
		return fmt.Errorf("cache: pack entry: %w", err)
	}

	addrLen := 0
	if !k.Scope.IsEmpty() {
		addrLen = 16
		if k.Scope.Family == 1 {
			addrLen = 4
		}
	}

	buf := make([]byte, 0, 32+len(k.Name)+len(packed))

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k.Name)))
	buf = append(buf, k.Name...)
	buf = binary.LittleEndian.AppendUint16(buf, k.Qtype)
	buf = binary.LittleEndian.AppendUint16(buf, k.Qclass)

	buf = binary.LittleEndian.AppendUint16(buf, k.Scope.Family)
	buf = append(buf, k.Scope.Prefix, byte(addrLen))
	buf = append(buf, k.Scope.Network[:addrLen]...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(packed)))
	buf = append(buf, packed...)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.CreatedAt.Unix()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.ExpiresAt.Unix()))

	var flags byte
	if e.Negative {
		flags |= flagNegative
	}
	if e.Validated {
		flags |= flagValidated
	}
	buf = append(buf, flags)

	_, err = w.Write(buf)
	return err
}

func readRecord(r io.Reader) (Key, *Entry, error) {
	var k Key

	nameLen, err := readUint16(r)
	if err != nil {
		return k, nil, err
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return k, nil, err
	}
	k.Name = string(name)

	if k.Qtype, err = readUint16(r); err != nil {
		return k, nil, err
	}
	if k.Qclass, err = readUint16(r); err != nil {
		return k, nil, err
	}

	if k.Scope.Family, err = readUint16(r); err != nil {
		return k, nil, err
	}

	var meta [2]byte
	if _, err := io.ReadFull(r, meta[:]); err != nil {
		return k, nil, err
	}
	k.Scope.Prefix = meta[0]

	addrLen := int(meta[1])
	if addrLen > 16 {
		return k, nil, fmt.Errorf("cache: snapshot scope address length %d", addrLen)
	}
	if _, err := io.ReadFull(r, k.Scope.Network[:addrLen]); err != nil {
		return k, nil, err
	}

	var msgLen [4]byte
	if _, err := io.ReadFull(r, msgLen[:]); err != nil {
		return k, nil, err
	}

	packed := make([]byte, binary.LittleEndian.Uint32(msgLen[:]))
	if _, err := io.ReadFull(r, packed); err != nil {
		return k, nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(packed); err != nil {
		return k, nil, fmt.Errorf("cache: unpack entry: %w", err)
	}

	var tail [17]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return k, nil, err
	}

	e := &Entry{
		msg:       msg,
		CreatedAt: time.Unix(int64(binary.LittleEndian.Uint64(tail[:8])), 0),
		ExpiresAt: time.Unix(int64(binary.LittleEndian.Uint64(tail[8:16])), 0),
		Negative:  tail[16]&flagNegative != 0,
		Validated: tail[16]&flagValidated != 0,
	}

	return k, e, nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}
