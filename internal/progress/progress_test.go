package progress

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/churn/types"
)

func TestBar_CountsCompletions(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf)

	b.Start(3)
	b.Done(types.AccountScope{ID: "S1"}, types.WindowCurrent, nil)
	b.Done(types.AccountScope{ID: "S1"}, types.WindowPrevious, nil)
	b.Done(types.AccountScope{ID: "S2"}, types.WindowCurrent, errors.New("throttled"))
	b.Finish()

	completed, failed := b.Counts()
	assert.Equal(t, 3, completed)
	assert.Equal(t, 1, failed)
	assert.Contains(t, buf.String(), "1 of 3 fetches failed")
}

func TestBar_AllSucceeded(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf)

	b.Start(1)
	b.Done(types.AccountScope{ID: "S1"}, types.WindowCurrent, nil)
	b.Finish()

	assert.Contains(t, buf.String(), "1 fetches completed")
}

func TestBar_IgnoresCallsBeforeStart(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf)

	b.Done(types.AccountScope{ID: "S1"}, types.WindowCurrent, nil)
	b.Finish()

	completed, _ := b.Counts()
	assert.Zero(t, completed)
	assert.Empty(t, buf.String())
}

func TestBar_ConcurrentDone(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf)
	b.Start(50)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Done(types.AccountScope{ID: "S"}, types.WindowCurrent, nil)
		}()
	}
	wg.Wait()

	completed, failed := b.Counts()
	assert.Equal(t, 50, completed)
	assert.Zero(t, failed)
}
