package interceptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFunctionDedupSuppressesRepeats(t *testing.T) {
	d := newFunctionDedup()
	assert.True(t, d.add("get_weather", `{"city":"Paris"}`))
	assert.False(t, d.add("get_weather", `{"city":"Paris"}`))
	assert.Equal(t, 1, d.size())
}

func TestFunctionDedupKeyOrderInsensitive(t *testing.T) {
	d := newFunctionDedup()
	assert.True(t, d.add("f", `{"a":1,"b":2}`))
	assert.False(t, d.add("f", `{"b":2,"a":1}`))
	assert.Equal(t, 1, d.size())
}

func TestFunctionDedupKeepsArrivalOrder(t *testing.T) {
	d := newFunctionDedup()
	d.add("second_first", `{"n":1}`)
	d.add("then_this", `{"n":2}`)
	d.add("second_first", `{"n":3}`)

	calls := d.list()
	assert.Len(t, calls, 3)
	assert.Equal(t, "second_first", calls[0].Name)
	assert.Equal(t, "then_this", calls[1].Name)
	assert.Equal(t, `{"n":3}`, calls[2].Arguments)
}

func TestFunctionDedupDistinguishesNames(t *testing.T) {
	d := newFunctionDedup()
	assert.True(t, d.add("a", `{}`))
	assert.True(t, d.add("b", `{}`))
	assert.Equal(t, 2, d.size())
}

func TestFunctionDedupInvalidArgsExactMatch(t *testing.T) {
	d := newFunctionDedup()
	assert.True(t, d.add("f", `not json`))
	assert.False(t, d.add("f", `not json`))
	assert.True(t, d.add("f", `not  json`))
}
