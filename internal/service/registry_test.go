package service

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/docstore"
	"github.com/loykin/warden/internal/errs"
)

func newRegistries(t *testing.T) *Registries {
	t.Helper()
	st, err := docstore.New(t.TempDir())
	require.NoError(t, err)
	return NewRegistries(st)
}

func modelRecord(name string) Record {
	return Record{Name: name, Model: &ModelSpec{PretrainedModelType: "saas/openai"}}
}

func TestAddGetListDelete(t *testing.T) {
	rs := newRegistries(t)
	g, err := rs.For(KindModel)
	require.NoError(t, err)

	rec, err := g.Add(modelRecord("m2"))
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, rec.Status)
	assert.Nil(t, rec.ProcessID)
	assert.Equal(t, 1, rec.Model.NumWorkers)
	assert.InDelta(t, 0.001, rec.Model.CPUsPerWorker, 1e-9)

	_, err = g.Add(modelRecord("m1"))
	require.NoError(t, err)

	_, err = g.Add(modelRecord("m1"))
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	list, err := g.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].Name)
	assert.Equal(t, "m2", list[1].Name)

	got, err := g.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, KindModel, got.Kind)

	_, err = g.Delete("m1")
	require.NoError(t, err)
	_, err = g.Get("m1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = g.Delete("m1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRegistriesAreSeparateDocuments(t *testing.T) {
	rs := newRegistries(t)
	models, _ := rs.For(KindModel)
	rags, _ := rs.For(KindRetrieval)

	_, err := models.Add(modelRecord("shared"))
	require.NoError(t, err)
	_, err = rags.Add(Record{Name: "shared", Retrieval: &RetrievalSpec{DocDir: "/docs"}})
	require.NoError(t, err)

	assert.FileExists(t, rs.Store().Path("models.json"))
	assert.FileExists(t, rs.Store().Path("rags.json"))

	r, err := rags.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, 8000, r.Retrieval.Port)
	assert.Equal(t, "0.0.0.0", r.Retrieval.Host)
}

func TestAddRejectsInvalid(t *testing.T) {
	rs := newRegistries(t)
	g, _ := rs.For(KindModel)

	cases := []Record{
		{Name: "", Model: &ModelSpec{PretrainedModelType: "x"}},
		{Name: "../etc", Model: &ModelSpec{PretrainedModelType: "x"}},
		{Name: "a b", Model: &ModelSpec{PretrainedModelType: "x"}},
		{Name: "nospec"},
		{Name: "wrongspec", Retrieval: &RetrievalSpec{DocDir: "/d"}},
		{Name: "nomodeltype", Model: &ModelSpec{}},
	}
	for _, c := range cases {
		_, err := g.Add(c)
		assert.ErrorIs(t, err, errs.ErrInvalidState, "record %q", c.Name)
	}

	sql, _ := rs.For(KindSQLEngine)
	_, err := sql.Add(Record{Name: "rel", SQLEngine: &SQLEngineSpec{InstallDir: "relative/dir"}})
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestUpdateAndDeleteRefuseRunning(t *testing.T) {
	rs := newRegistries(t)
	g, _ := rs.For(KindModel)
	created, err := g.Add(modelRecord("m1"))
	require.NoError(t, err)

	running, err := g.SetStatus("m1", StatusRunning, 4242, 100)
	require.NoError(t, err)
	assert.Equal(t, 4242, running.PID())
	assert.Equal(t, int64(100), running.ProcessStart)

	_, err = g.Update("m1", Record{Model: &ModelSpec{PretrainedModelType: "other"}})
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = g.Delete("m1")
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = g.SetStatus("m1", StatusStopped, 0, 0)
	require.NoError(t, err)

	upd, err := g.Update("m1", Record{Model: &ModelSpec{PretrainedModelType: "other", NumWorkers: 3}})
	require.NoError(t, err)
	assert.Equal(t, "other", upd.Model.PretrainedModelType)
	assert.Equal(t, 3, upd.Model.NumWorkers)
	assert.Equal(t, StatusStopped, upd.Status)
	assert.True(t, created.CreatedAt.Equal(upd.CreatedAt))

	_, err = g.Update("missing", modelRecord("missing"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSetStatusInvariant(t *testing.T) {
	rs := newRegistries(t)
	g, _ := rs.For(KindModel)
	_, err := g.Add(modelRecord("m1"))
	require.NoError(t, err)

	_, err = g.SetStatus("m1", StatusRunning, 0, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = g.SetStatus("m1", Status("paused"), 1, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = g.SetStatus("ghost", StatusStopped, 0, 0)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	r, err := g.SetStatus("m1", StatusStopped, 77, 0)
	require.NoError(t, err)
	assert.Nil(t, r.ProcessID, "stopped never keeps a pid")
}

func TestMarkStoppedIfOnlyMatchesSamePID(t *testing.T) {
	rs := newRegistries(t)
	g, _ := rs.For(KindModel)
	_, err := g.Add(modelRecord("m1"))
	require.NoError(t, err)
	_, err = g.SetStatus("m1", StatusRunning, 200, 0)
	require.NoError(t, err)

	r, changed, err := g.MarkStoppedIf("m1", 100)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 200, r.PID())

	r, changed, err = g.MarkStoppedIf("m1", 200)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusStopped, r.Status)
	assert.Nil(t, r.ProcessID)
}

// Random add/delete sequences end with exactly the names added and not
// deleted since.
func TestAddDeleteSequences(t *testing.T) {
	rs := newRegistries(t)
	g, _ := rs.For(KindModel)
	rnd := rand.New(rand.NewSource(7))
	want := map[string]bool{}
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("svc-%d", rnd.Intn(12))
		if rnd.Intn(2) == 0 {
			_, err := g.Add(modelRecord(name))
			if want[name] {
				assert.ErrorIs(t, err, errs.ErrAlreadyExists)
			} else {
				require.NoError(t, err)
				want[name] = true
			}
			continue
		}
		_, err := g.Delete(name)
		if want[name] {
			require.NoError(t, err)
			delete(want, name)
		} else {
			assert.ErrorIs(t, err, errs.ErrNotFound)
		}
	}
	var expect []string
	for n := range want {
		expect = append(expect, n)
	}
	sort.Strings(expect)
	list, err := g.List()
	require.NoError(t, err)
	got := make([]string, 0, len(list))
	for _, r := range list {
		got = append(got, r.Name)
	}
	if expect == nil {
		expect = []string{}
	}
	assert.Equal(t, expect, got)
}

// Concurrent status writers on distinct names never lose each other's
// updates.
func TestConcurrentSetStatus(t *testing.T) {
	rs := newRegistries(t)
	g, _ := rs.For(KindModel)
	_, err := g.Add(modelRecord("a"))
	require.NoError(t, err)
	_, err = g.Add(modelRecord("b"))
	require.NoError(t, err)

	// a second store on the same directory behaves like another process
	other, err := docstore.New(rs.Store().Dir())
	require.NoError(t, err)
	g2 := NewRegistry(other, KindModel)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := g.SetStatus("a", StatusRunning, 101, 0)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := g2.SetStatus("b", StatusRunning, 202, 0)
		assert.NoError(t, err)
	}()
	wg.Wait()

	a, err := g.Get("a")
	require.NoError(t, err)
	b, err := g.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 101, a.PID())
	assert.Equal(t, 202, b.PID())
	assert.True(t, a.Running())
	assert.True(t, b.Running())
}

func TestParseKindAliases(t *testing.T) {
	for in, want := range map[string]Kind{
		"models": KindModel, "model": KindModel,
		"rags": KindRetrieval, "retrieval": KindRetrieval,
		"byzer-sql": KindSQLEngine, "sql_engine": KindSQLEngine,
	} {
		k, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, k)
	}
	_, err := ParseKind("gpu")
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = newRegistries(t).For(Kind("gpu"))
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}
