package adapter_test

import (
	"context"
	"math"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/model"
)

func TestMockDeterministic(t *testing.T) {
	m := adapter.NewMock(64)
	ctx := context.Background()

	first, err := m.Embed(ctx, []string{"I work at Globex"})
	gt.NoError(t, err)
	second, err := m.Embed(ctx, []string{"I work at Globex"})
	gt.NoError(t, err)

	gt.A(t, first).Length(1)
	gt.NoError(t, first[0].Err)
	gt.A(t, first[0].Vector).Length(64)
	for i := range first[0].Vector {
		gt.Equal(t, first[0].Vector[i], second[0].Vector[i])
	}
}

func TestMockDistinctTexts(t *testing.T) {
	m := adapter.NewMock(64)
	ctx := context.Background()

	results, err := m.Embed(ctx, []string{"alpha text", "omega text"})
	gt.NoError(t, err)
	gt.A(t, results).Length(2)

	same := true
	for i := range results[0].Vector {
		if results[0].Vector[i] != results[1].Vector[i] {
			same = false
			break
		}
	}
	gt.False(t, same)
}

func TestMockUnitVector(t *testing.T) {
	m := adapter.NewMock(128)
	ctx := context.Background()

	results, err := m.Embed(ctx, []string{"some content worth embedding"})
	gt.NoError(t, err)

	var norm float64
	for _, v := range results[0].Vector {
		norm += float64(v) * float64(v)
	}
	gt.True(t, math.Abs(math.Sqrt(norm)-1.0) < 1e-5)
}

func TestMockOrderPreserved(t *testing.T) {
	m := adapter.NewMock(32)
	ctx := context.Background()

	texts := []string{"first", " ", "third statement"}
	results, err := m.Embed(ctx, texts)
	gt.NoError(t, err)
	gt.A(t, results).Length(3)

	// The blank text fails in place without shifting neighbors
	gt.NoError(t, results[0].Err)
	gt.Error(t, results[1].Err)
	gt.NoError(t, results[2].Err)

	gt.True(t, goerr.HasTag(results[1].Err, model.ErrTagPermanentInput))
}

func TestMockPin(t *testing.T) {
	m := adapter.NewMock(4)
	ctx := context.Background()

	m.Pin("thursday meeting", []float32{1, 0, 0, 0})
	m.Pin("meeting on thursday", []float32{1, 0.1, 0, 0})

	results, err := m.Embed(ctx, []string{"thursday meeting", "meeting on thursday"})
	gt.NoError(t, err)

	var dot float64
	for i := range results[0].Vector {
		dot += float64(results[0].Vector[i]) * float64(results[1].Vector[i])
	}
	gt.True(t, dot > 0.95)
}
