package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefusalClassifierMatchesCaseInsensitive(t *testing.T) {
	classifier := NewRefusalClassifier([]string{"I cannot help", " against policy "})

	assert.True(t, classifier.IsRefusal("Sorry, I CANNOT HELP with that request."))
	assert.True(t, classifier.IsRefusal("this request is against policy"))
	assert.False(t, classifier.IsRefusal("Here is the answer you asked for."))
}

func TestRefusalClassifierEmptyListDisables(t *testing.T) {
	classifier := NewRefusalClassifier(nil)
	assert.False(t, classifier.IsRefusal("i cannot help"))

	classifier = NewRefusalClassifier([]string{"  ", ""})
	assert.False(t, classifier.IsRefusal("i cannot help"))
}

func TestIsTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(Transient("timeout", nil)))
	assert.False(t, IsTransient(Permanent("bad request", nil)))
	// Unclassified errors get the benefit of redelivery.
	assert.True(t, IsTransient(assert.AnError))
}
