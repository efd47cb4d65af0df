package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openaudio/streammgr/pkg/device"
	"github.com/openaudio/streammgr/pkg/llio/mock"
)

func validSettings() device.Settings {
	return device.Settings{
		IOMemorySize:                    1 << 20,
		IOMemoryAlignment:               16,
		Granularity:                     16384,
		MinBlockSize:                    16384,
		SchedulerType:                   device.Blocking,
		TargetAutoStreamBufferLengthSec: 1,
		MaxConcurrentIO:                 4,
		UseStreamCache:                  true,
		MaxCachePinnedBytes:             1 << 20,
		ThroughputBytesPerMs:            32,
	}
}

func TestCreateDestroyDevice(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	id, err := m.CreateDevice(ctx, validSettings(), mock.NewBlocking(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.DeviceCount())

	require.NoError(t, m.DestroyDevice(id))
	require.Equal(t, 0, m.DeviceCount())
}

func TestDestroyDeviceRejectsUnknownID(t *testing.T) {
	m := New(nil)
	require.Error(t, m.DestroyDevice(999))
}

func TestCreateStdSharesDescriptorAcrossStreams(t *testing.T) {
	m := New(nil)
	ctx := context.Background()
	data := make([]byte, 16384)

	id, err := m.CreateDevice(ctx, validSettings(), mock.NewBlocking(&mock.File{Name: "1", Data: data, BlockSize: 16384}), nil, nil)
	require.NoError(t, err)

	s1, err := m.CreateStd(ctx, id, 1, 50, 1.0, uint64(len(data)))
	require.NoError(t, err)
	s2, err := m.CreateStd(ctx, id, 1, 50, 1.0, uint64(len(data)))
	require.NoError(t, err)

	require.NoError(t, m.DestroyStream(id, 1, s1))
	// the second stream still references file 1, so the descriptor must
	// still be open; a third create on the same id must succeed without
	// reopening failing.
	s3, err := m.CreateStd(ctx, id, 1, 50, 1.0, uint64(len(data)))
	require.NoError(t, err)

	require.NoError(t, m.DestroyStream(id, 1, s2))
	require.NoError(t, m.DestroyStream(id, 1, s3))
}

func TestPinUnpinFileInCache(t *testing.T) {
	m := New(nil)
	ctx := context.Background()
	data := make([]byte, 65536)

	id, err := m.CreateDevice(ctx, validSettings(), mock.NewBlocking(&mock.File{Name: "7", Data: data, BlockSize: 16384}), nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.PinFileInCache(ctx, id, 7, 10, 16384, uint64(len(data))))
	// pinning again is idempotent and just updates priority.
	require.NoError(t, m.PinFileInCache(ctx, id, 7, 20, 16384, uint64(len(data))))

	pct, _, err := m.GetBufferStatusForPinnedFile(id, 7)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pct, 0.0)
	require.LessOrEqual(t, pct, 100.0)

	require.NoError(t, m.UpdateCachingPriority(id, 7, 30, 20))
	require.NoError(t, m.UnpinFileInCache(id, 7, 30))
	require.Error(t, m.UnpinFileInCache(id, 7, 30), "unpinning twice must fail")
}

func TestLanguageObserversFireLastAddedFirst(t *testing.T) {
	m := New(nil)
	var order []int

	m.RegisterLanguageObserver(func(string) { order = append(order, 1) })
	m.RegisterLanguageObserver(func(string) { order = append(order, 2) })
	m.RegisterLanguageObserver(func(string) { order = append(order, 3) })

	m.SetCurrentLanguage("fr")
	require.Equal(t, []int{3, 2, 1}, order)
	require.Equal(t, "fr", m.CurrentLanguage())
}

func TestLanguageObserverCanUnregisterItself(t *testing.T) {
	m := New(nil)
	var fired []int

	var token int
	token = m.RegisterLanguageObserver(func(string) {
		fired = append(fired, 1)
		m.UnregisterLanguageObserver(token)
	})

	m.SetCurrentLanguage("en")
	m.SetCurrentLanguage("de")
	require.Equal(t, []int{1}, fired)
}

func TestCancelStreamRejectsUnknownDevice(t *testing.T) {
	m := New(nil)
	require.Error(t, m.CancelStream(999, nil))
}

func TestCancelStreamSettlesStdStream(t *testing.T) {
	m := New(nil)
	ctx := context.Background()
	data := make([]byte, 16384)

	id, err := m.CreateDevice(ctx, validSettings(), mock.NewBlocking(&mock.File{Name: "1", Data: data, BlockSize: 16384}), nil, nil)
	require.NoError(t, err)

	s, err := m.CreateStd(ctx, id, 1, 50, 1.0, uint64(len(data)))
	require.NoError(t, err)

	buf := make([]byte, 16384)
	require.NoError(t, s.ExecuteOp(false, buf, 16384, false, 50, 1.0))

	require.NoError(t, m.CancelStream(id, s))
}

func TestFlushAllCachesFansOutAcrossDevices(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	id1, err := m.CreateDevice(ctx, validSettings(), mock.NewBlocking(), nil, nil)
	require.NoError(t, err)
	id2, err := m.CreateDevice(ctx, validSettings(), mock.NewBlocking(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.FlushAllCaches(ctx))

	require.NoError(t, m.DestroyDevice(id1))
	require.NoError(t, m.DestroyDevice(id2))
}
