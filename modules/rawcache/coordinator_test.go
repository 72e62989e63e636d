package rawcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/uclh-foundry/pixl/pkg/dicom"
	"github.com/uclh-foundry/pixl/pkg/dicom/dicomtest"
	"github.com/uclh-foundry/pixl/pkg/dicomstore"
)

func testConfig() Config {
	return Config{
		PollInterval:     5 * time.Millisecond,
		StableTimeout:    2 * time.Second,
		EvictionInterval: time.Hour,
		FeedBatch:        100,
	}
}

// fakeRetriever adapts the fake store's proxy surface and records every
// retrieve it is asked to run.
type fakeRetriever struct {
	fake     *dicomstore.Fake
	modality string

	mtx       sync.Mutex
	retrieves [][]string
}

func (r *fakeRetriever) FindInstances(ctx context.Context, studyUID string) ([]string, error) {
	return r.fake.QueryRemoteInstances(ctx, r.modality, studyUID)
}

func (r *fakeRetriever) Retrieve(ctx context.Context, studyUID string, sops []string) error {
	r.mtx.Lock()
	r.retrieves = append(r.retrieves, append([]string(nil), sops...))
	r.mtx.Unlock()
	return r.fake.RetrieveRemote(ctx, r.modality, studyUID, sops)
}

func remoteStudy(t *testing.T, studyUID string, instances int) *dicomstore.RemoteStudy {
	t.Helper()
	encoded := dicomtest.EncodeStudy(t, studyUID, instances)
	m := make(map[string][]byte, len(encoded))
	for i, b := range encoded {
		m[fmt.Sprintf("%s.1.%d", studyUID, i+1)] = b
	}
	return &dicomstore.RemoteStudy{StudyUID: studyUID, Instances: m}
}

func TestWaitForStudyRepairsMissingInstances(t *testing.T) {
	fake := dicomstore.NewFake("raw")
	fake.AddRemote("primary", remoteStudy(t, "1.2.3", 5))
	fake.DropOnce("primary", "1.2.3.1.2", "1.2.3.1.4")
	ret := &fakeRetriever{fake: fake, modality: "primary"}
	c := New(testConfig(), fake, log.NewNopLogger())

	// Initial transfer lands 3 of the advertised 5.
	require.NoError(t, ret.Retrieve(context.Background(), "1.2.3", nil))

	info, err := c.WaitForStudy(context.Background(), ret, "1.2.3", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, info.Instances)
	assert.True(t, info.IsStable)

	// Exactly one repair retrieve, naming only the two dropped SOPs.
	require.Len(t, ret.retrieves, 2)
	assert.Equal(t, []string{"1.2.3.1.2", "1.2.3.1.4"}, ret.retrieves[1])
}

func TestWaitForStudyTimesOut(t *testing.T) {
	fake := dicomstore.NewFake("raw")
	fake.AutoStable = false
	fake.AddRemote("primary", remoteStudy(t, "1.2.3", 2))
	ret := &fakeRetriever{fake: fake, modality: "primary"}

	cfg := testConfig()
	cfg.StableTimeout = 50 * time.Millisecond
	c := New(cfg, fake, log.NewNopLogger())

	require.NoError(t, ret.Retrieve(context.Background(), "1.2.3", nil))

	_, err := c.WaitForStudy(context.Background(), ret, "1.2.3", 2)
	assert.ErrorIs(t, err, ErrCacheUnstable)
}

func TestWaitForStudySeesLateStability(t *testing.T) {
	fake := dicomstore.NewFake("raw")
	fake.AutoStable = false
	fake.AddRemote("primary", remoteStudy(t, "1.2.3", 2))
	ret := &fakeRetriever{fake: fake, modality: "primary"}
	c := New(testConfig(), fake, log.NewNopLogger())

	require.NoError(t, ret.Retrieve(context.Background(), "1.2.3", nil))

	go func() {
		time.Sleep(30 * time.Millisecond)
		fake.MarkStable("1.2.3")
	}()

	info, err := c.WaitForStudy(context.Background(), ret, "1.2.3", 0)
	require.NoError(t, err)
	assert.True(t, info.IsStable)
	assert.Equal(t, 2, info.Instances)
}

func bigInstance(t *testing.T, studyUID string, size int) []byte {
	t.Helper()
	f := dicomtest.NewInstance(dicomtest.InstanceSpec{StudyUID: studyUID})
	f.Data.Set(dicom.NewBytes(dicom.TagPixelData, dicom.VROtherWord, make([]byte, size)))
	b, err := dicom.Write(f)
	require.NoError(t, err)
	return b
}

func TestEvictionDropsColdUnpinnedStudies(t *testing.T) {
	fake := dicomstore.NewFake("raw")
	cfg := testConfig()
	cfg.MaxStorageMB = 2
	c := New(cfg, fake, log.NewNopLogger())

	uids := []string{"1.1", "1.2", "1.3", "1.4"}
	for _, uid := range uids {
		require.NoError(t, fake.Upload(context.Background(), bigInstance(t, uid, 600_000)))
	}
	// Touch order makes 1.1 the coldest, 1.4 the warmest.
	for _, uid := range uids {
		c.Touch(uid)
		time.Sleep(time.Millisecond)
	}
	c.Pin("1.1")

	c.evict(context.Background())

	remaining, err := fake.Studies(context.Background())
	require.NoError(t, err)
	// 1.1 is the LRU study but pinned; 1.2 is next and goes. One eviction
	// is enough to get back under the watermark.
	assert.Equal(t, []string{"1.1", "1.3", "1.4"}, remaining)
}

func TestEvictionRespectsNestedPins(t *testing.T) {
	fake := dicomstore.NewFake("raw")
	cfg := testConfig()
	cfg.MaxStorageMB = 1
	c := New(cfg, fake, log.NewNopLogger())

	require.NoError(t, fake.Upload(context.Background(), bigInstance(t, "1.1", 1_200_000)))
	c.Pin("1.1")
	c.Pin("1.1")
	c.Unpin("1.1")

	c.evict(context.Background())
	remaining, err := fake.Studies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1"}, remaining, "still pinned once")

	c.Unpin("1.1")
	c.evict(context.Background())
	remaining, err = fake.Studies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

type recordingObserver struct {
	mtx       sync.Mutex
	instances []string
	stable    []string
}

func (o *recordingObserver) NewInstance(_, sop string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.instances = append(o.instances, sop)
}

func (o *recordingObserver) StudyStable(studyUID string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.stable = append(o.stable, studyUID)
}

func TestChangeFeedNotifiesObserversOnce(t *testing.T) {
	fake := dicomstore.NewFake("raw")
	fake.AddRemote("primary", remoteStudy(t, "1.2.3", 3))
	ret := &fakeRetriever{fake: fake, modality: "primary"}

	c := New(testConfig(), fake, log.NewNopLogger())
	obs := &recordingObserver{}
	c.Register(obs)

	require.NoError(t, ret.Retrieve(context.Background(), "1.2.3", nil))

	c.pollChanges(context.Background())
	assert.Len(t, obs.instances, 3)
	assert.Equal(t, []string{"1.2.3"}, obs.stable)

	// The cursor advanced: nothing is delivered twice.
	c.pollChanges(context.Background())
	assert.Len(t, obs.instances, 3)
	assert.Len(t, obs.stable, 1)
}

func TestCoordinatorLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := dicomstore.NewFake("raw")
	cfg := testConfig()
	cfg.EvictionInterval = 10 * time.Millisecond
	c := New(cfg, fake, log.NewNopLogger())

	ctx := context.Background()
	require.NoError(t, c.StartAsync(ctx))
	require.NoError(t, c.AwaitRunning(ctx))
	time.Sleep(30 * time.Millisecond)
	c.StopAsync()
	require.NoError(t, c.AwaitTerminated(ctx))
}
