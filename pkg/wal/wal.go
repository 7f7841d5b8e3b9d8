// Package wal 追加写的本地记录文件，每条记录 len(4) | crc32(4) | payload。
// 用来暂存写库失败的数据，进程重启后回放
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const (
	headerSize = 8
	filePerm   = 0o600
	// 防止坏数据把内存吃爆
	MaxPayload = 4 << 20
)

var (
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("wal: payload too large")
)

type Writer struct {
	f  *os.File
	bw *bufio.Writer
}

// Open 以追加方式打开，文件不存在则创建
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, bw: bufio.NewWriterSize(f, 64<<10)}, nil
}

func (w *Writer) Append(payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.bw.Write(payload)
	return err
}

// Close 刷盘后关闭，返回前数据已经 fsync
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

type ReplayStats struct {
	Records       int
	TruncatedTail bool // 最后一条只写了一半，崩溃时常见，直接丢弃
}

// Replay 顺序回放。文件不存在视为空
func Replay(path string, onRecord func(payload []byte) error) (ReplayStats, error) {
	var st ReplayStats
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return st, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				st.TruncatedTail = true
				return st, nil
			}
			return st, err
		}
		n := binary.LittleEndian.Uint32(hdr[:4])
		if n > MaxPayload {
			return st, ErrPayloadTooLarge
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				st.TruncatedTail = true
				return st, nil
			}
			return st, err
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[4:]) {
			return st, fmt.Errorf("record %d: %w", st.Records, ErrChecksumMismatch)
		}
		if err := onRecord(payload); err != nil {
			return st, err
		}
		st.Records++
	}
}

// Remove 回放成功后删除，文件不存在不算错误
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
