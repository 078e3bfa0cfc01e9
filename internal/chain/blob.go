package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rowjay/file-backup-utility/internal/compress"
	"github.com/rowjay/file-backup-utility/internal/cryptoutil"
	"github.com/rowjay/file-backup-utility/internal/storage"
	"github.com/rowjay/file-backup-utility/internal/util"
)

// PutBlob persists a file payload under its content fingerprint. Blobs are
// deduplicated: a fingerprint that is already stored is not rewritten, and a
// publish race with another writer of the same content is not an error.
func (s *Store) PutBlob(ctx context.Context, fp string, reader io.Reader) error {
	key := util.BlobKey(s.Prefix, s.Name, fp)
	exists, err := s.Backend.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	buf := &bytes.Buffer{}
	writer := io.Writer(buf)
	var closers []io.Closer

	if len(s.EncryptionKey) > 0 {
		encWriter, err := cryptoutil.EncryptWriter(writer, s.EncryptionKey)
		if err != nil {
			return fmt.Errorf("blob %s: %w", fp, err)
		}
		writer = encWriter
		closers = append(closers, encWriter)
	}
	compWriter, err := compress.WrapWriter(s.Compression, writer)
	if err != nil {
		return fmt.Errorf("blob %s: %w", fp, err)
	}
	writer = compWriter
	closers = append([]io.Closer{compWriter}, closers...)

	if _, err := io.Copy(writer, reader); err != nil {
		return fmt.Errorf("blob %s: %w", fp, err)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("blob %s: %w", fp, err)
		}
	}

	pending := pendingKey(key)
	if err := s.Backend.Put(ctx, pending, bytes.NewReader(buf.Bytes()), int64(buf.Len()), map[string]string{"fbu-blob": "true"}); err != nil {
		return err
	}
	if err := s.Backend.Publish(ctx, pending, key); err != nil {
		_ = s.Backend.Delete(ctx, pending)
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Same content landed concurrently; the chain is intact.
			return nil
		}
		return err
	}
	return nil
}

// GetBlob opens the payload stored under a fingerprint, reversing the codec
// and encryption the owning change-set records.
func (s *Store) GetBlob(ctx context.Context, fp, compression string, encrypted bool) (io.ReadCloser, error) {
	key := util.BlobKey(s.Prefix, s.Name, fp)
	reader, err := s.Backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", fp, err)
	}

	payload := io.Reader(reader)
	if encrypted {
		if len(s.EncryptionKey) == 0 {
			_ = reader.Close()
			return nil, fmt.Errorf("blob %s is encrypted but no key is configured", fp)
		}
		payload, err = cryptoutil.DecryptReader(payload, s.EncryptionKey)
		if err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("blob %s: %w", fp, err)
		}
	}
	decomp, err := compress.WrapReader(compression, payload)
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("blob %s: %w", fp, err)
	}
	return &blobReader{ReadCloser: decomp, underlying: reader}, nil
}

// HasBlob reports whether a fingerprint's payload is present.
func (s *Store) HasBlob(ctx context.Context, fp string) (bool, error) {
	return s.Backend.Exists(ctx, util.BlobKey(s.Prefix, s.Name, fp))
}

type blobReader struct {
	io.ReadCloser
	underlying io.Closer
}

func (b *blobReader) Close() error {
	err := b.ReadCloser.Close()
	if uerr := b.underlying.Close(); err == nil {
		err = uerr
	}
	return err
}
