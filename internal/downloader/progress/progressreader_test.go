package progress

import (
	"bytes"
	"context"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsEveryInterval(t *testing.T) {
	var reports []int64

	r := NewReader(context.Background(), iotest.OneByteReader(bytes.NewReader([]byte("0123456789"))), 10, 4,
		func(written, total int64) {
			assert.Equal(t, int64(10), total)
			reports = append(reports, written)
		})

	data, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, "0123456789", string(data))
	assert.Equal(t, []int64{4, 8, 10}, reports)
	assert.Equal(t, int64(10), r.Written())
}

func TestReader_UnknownTotal(t *testing.T) {
	var reports []int64

	r := NewReader(context.Background(), iotest.OneByteReader(bytes.NewReader([]byte("01234"))), 0, 2,
		func(written, _ int64) { reports = append(reports, written) })

	_, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 4}, reports)
}

func TestReader_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := NewReader(ctx, bytes.NewReader([]byte("0123456789")), 10, 1, func(int64, int64) {})

	buf := make([]byte, 2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cancel()

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, context.Canceled)
}
