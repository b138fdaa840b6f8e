package cidgrammar

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validPointerID() string {
	return "k51" + strings.Repeat("q", 50)
}

func TestValidatePointerIDAcceptsWellFormedID(t *testing.T) {
	require.NoError(t, ValidatePointerID(validPointerID()))
}

func TestValidatePointerIDRejectsBadLengthAndPrefix(t *testing.T) {
	require.Error(t, ValidatePointerID("k51short"))
	require.Error(t, ValidatePointerID("xyz"+strings.Repeat("q", 50)))
	require.Error(t, ValidatePointerID(strings.Repeat("Q", 55))) // uppercase not in grammar
}

func TestValidateContentIDAcceptsCIDv0(t *testing.T) {
	require.NoError(t, ValidateContentID("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"))
}

func TestValidateContentIDRejectsGarbage(t *testing.T) {
	require.Error(t, ValidateContentID("not-a-cid"))
}

func TestExtractContentIDParsesContentPath(t *testing.T) {
	id, err := ExtractContentID("/content/bafybeigdyrztabc123")
	require.NoError(t, err)
	require.Equal(t, "bafybeigdyrztabc123", id)
}

func TestExtractContentIDRejectsMalformedValue(t *testing.T) {
	_, err := ExtractContentID("not/a/content/path")
	require.Error(t, err)
}
