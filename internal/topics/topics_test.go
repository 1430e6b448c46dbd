package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllTopicsValidate(t *testing.T) {
	for _, tp := range All() {
		assert.NoError(t, Validate(tp))
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	assert.Error(t, Validate(Topic("")))
}

func TestValidateRejectsSingleSegment(t *testing.T) {
	assert.Error(t, Validate(Topic("procedure")))
}

func TestValidateRejectsEmptySegment(t *testing.T) {
	assert.Error(t, Validate(Topic("procedure..stop")))
}

func TestValidateRejectsNonASCII(t *testing.T) {
	assert.Error(t, Validate(Topic("procedure.stöp")))
}

func TestInboxSubjectIsPerRequest(t *testing.T) {
	a := InboxSubject(1)
	b := InboxSubject(2)
	assert.NotEqual(t, a, b)
	assert.Contains(t, string(a), "_INBOX.")
}
