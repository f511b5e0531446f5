package tflitebackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingDelegate struct {
	deleted int
}

func (d *countingDelegate) Delete() { d.deleted++ }

func TestClose_DeletesDelegate(t *testing.T) {
	d := &countingDelegate{}
	i := &Interpreter{delegate: d}

	assert.NoError(t, i.Close())
	assert.Equal(t, 1, d.deleted)
	assert.Nil(t, i.delegate)

	assert.NoError(t, i.Close())
	assert.Equal(t, 1, d.deleted, "a second Close is a no-op")
}
