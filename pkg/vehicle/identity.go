package vehicle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnparsableIdentity is returned when a label does not have the
	// "<Make> <Model...> <Year>" shape.
	ErrUnparsableIdentity = errors.New("unparsable vehicle identity")

	// ErrMalformedDataset is returned when a dataset is empty or has no header.
	ErrMalformedDataset = errors.New("malformed dataset")
)

// Identity is the make/model/year triple used as a lookup key.
type Identity struct {
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year"`
}

// ParseIdentity splits a classifier label on whitespace. The first token is
// the make, the last the year, and everything between is the model.
func ParseIdentity(label string) (Identity, error) {
	tokens := strings.Fields(label)
	if len(tokens) < 3 {
		return Identity{}, fmt.Errorf("%w: %q has %d tokens, need at least 3", ErrUnparsableIdentity, label, len(tokens))
	}
	last := tokens[len(tokens)-1]
	year, err := strconv.Atoi(last)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: year %q is not a number", ErrUnparsableIdentity, last)
	}
	return Identity{
		Make:  tokens[0],
		Model: strings.Join(tokens[1:len(tokens)-1], " "),
		Year:  year,
	}, nil
}

// String renders the identity back into label form.
func (id Identity) String() string {
	return fmt.Sprintf("%s %s %d", id.Make, id.Model, id.Year)
}
