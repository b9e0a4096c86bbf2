package helpers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	single := fmt.Errorf("single")
	cases := []struct {
		name   string
		input  []error
		expect string
	}{
		{"empty", nil, ""},
		{"all-nil", []error{nil, nil}, ""},
		{"single", []error{nil, single}, "single"},
		{"many", []error{fmt.Errorf("a"), nil, fmt.Errorf("b")}, "a\nb"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := FoldErrors(c.input)
			if c.expect == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, c.expect)
		})
	}
	assert.Equal(t, single, FoldErrors([]error{single}))
}

func TestFoldErrChan(t *testing.T) {
	t.Parallel()
	ch := make(chan error, 3)
	ch <- fmt.Errorf("x")
	ch <- nil
	ch <- fmt.Errorf("y")
	close(ch)
	assert.EqualError(t, FoldErrChan(ch), "x\ny")
}
