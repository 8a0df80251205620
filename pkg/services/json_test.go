package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeLikeQuotesMetacharacters(t *testing.T) {
	assert.Equal(t, `42`, escapeLike(`42`))
	assert.Equal(t, `100\%`, escapeLike(`100%`))
	assert.Equal(t, `a\_b`, escapeLike(`a_b`))
	assert.Equal(t, `c\\d`, escapeLike(`c\d`))
	assert.Equal(t, `\\\%\_`, escapeLike(`\%_`))
}
