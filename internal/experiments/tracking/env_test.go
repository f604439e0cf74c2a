// internal/experiments/tracking/env_test.go
package tracking

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskEpisode(t *testing.T) {
	t.Run("ExpertSucceeds", func(t *testing.T) {
		// static target: the expert closes in by 0.1 a step and then holds
		task := newTask(rand.New(rand.NewSource(3)), 0)
		for !task.Done() {
			action, ok := task.ExpertAction()
			require.True(t, ok)
			_, err := task.Step(action)
			require.NoError(t, err)
		}
		m := task.Metrics()
		assert.Equal(t, 1.0, m["success"])
		assert.LessOrEqual(t, m["final_dist"], captureDist)
	})

	t.Run("IdleAgentTimesOut", func(t *testing.T) {
		task := newTask(rand.New(rand.NewSource(4)), 0.08)
		task.agent, task.target = -1, 1
		steps := 0
		for !task.Done() {
			_, err := task.Step(1)
			require.NoError(t, err)
			steps++
		}
		assert.Equal(t, maxEpisodeLn, steps)
		assert.Equal(t, 0.0, task.Metrics()["success"])
	})

	t.Run("StepAfterDoneFails", func(t *testing.T) {
		task := newTask(rand.New(rand.NewSource(5)), 0)
		task.done = true
		_, err := task.Step(1)
		assert.Error(t, err)
	})

	t.Run("RewardTracksDistance", func(t *testing.T) {
		task := newTask(rand.New(rand.NewSource(6)), 0)
		task.agent, task.target = 0, 0
		res, err := task.Step(1)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, res.Reward, 1e-12)

		task = newTask(rand.New(rand.NewSource(6)), 0)
		task.agent, task.target = -1, 1
		res, err = task.Step(1)
		require.NoError(t, err)
		assert.InDelta(t, 0.0, res.Reward, 1e-12)
	})

	t.Run("RenderMarksPositions", func(t *testing.T) {
		task := newTask(rand.New(rand.NewSource(7)), 0)
		task.agent, task.target = -1, 1
		frame, err := task.Render("ascii")
		require.NoError(t, err)
		assert.True(t, bytes.ContainsRune(frame, 'A'))
		assert.True(t, bytes.ContainsRune(frame, 'T'))
	})

	t.Run("UniqueEpisodeIDs", func(t *testing.T) {
		rng := rand.New(rand.NewSource(8))
		a, b := newTask(rng, 0), newTask(rng, 0)
		assert.NotEqual(t, a.ID(), b.ID())
	})
}

func TestSampler(t *testing.T) {
	t.Run("ScenesAdvanceOnCadence", func(t *testing.T) {
		s := NewSampler(1, 2, 0)
		for i := 0; i < 2; i++ {
			_, err := s.NextTask(false)
			require.NoError(t, err)
		}
		assert.Equal(t, 0, s.Scene())
		_, err := s.NextTask(false)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Scene())
	})

	t.Run("ForceAdvances", func(t *testing.T) {
		s := NewSampler(1, 0, 0)
		_, err := s.NextTask(true)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Scene())
	})

	t.Run("SceneSaturatesAtHardest", func(t *testing.T) {
		s := NewSampler(1, 0, 0)
		for i := 0; i < 10; i++ {
			_, err := s.NextTask(true)
			require.NoError(t, err)
		}
		assert.Equal(t, len(sceneSpeeds)-1, s.Scene())
	})

	t.Run("FiniteStreamExhausts", func(t *testing.T) {
		s := NewSampler(1, 0, 2)
		for i := 0; i < 2; i++ {
			task, err := s.NextTask(false)
			require.NoError(t, err)
			require.NotNil(t, task)
		}
		task, err := s.NextTask(false)
		require.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("ResetRewinds", func(t *testing.T) {
		s := NewSampler(1, 0, 1)
		_, err := s.NextTask(true)
		require.NoError(t, err)
		require.NoError(t, s.Reset())
		assert.Equal(t, 0, s.Scene())
		task, err := s.NextTask(false)
		require.NoError(t, err)
		assert.NotNil(t, task)
	})
}

func TestDemoSource(t *testing.T) {
	src := NewDemoSource(11, 100)

	t.Run("LabelsMatchExpert", func(t *testing.T) {
		it := src.NewIterator()
		batch, ok := it.Next(100)
		require.True(t, ok)
		for i, obs := range batch.Observations[ObsKey] {
			assert.Equal(t, expertFor(obs[0], obs[1]), batch.Actions[i])
		}
	})

	t.Run("IteratorExhaustsAfterOneEpoch", func(t *testing.T) {
		it := src.NewIterator()
		total := 0
		for {
			batch, ok := it.Next(32)
			if !ok {
				break
			}
			total += len(batch.Actions)
		}
		assert.Equal(t, 100, total)

		// a fresh iterator serves the data again
		_, ok := src.NewIterator().Next(1)
		assert.True(t, ok)
	})
}

//Personal.AI order the ending
