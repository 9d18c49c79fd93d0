package wat

import (
	"github.com/icp-tools/corectl/wat/internal/encoder"
	"github.com/icp-tools/corectl/wat/internal/parser"
	"github.com/icp-tools/corectl/wat/internal/token"
)

func Compile(source string) ([]byte, error) {
	tokens := token.Tokenize(source)
	p := parser.New(tokens)
	mod, err := p.Parse()
	if err != nil {
		return nil, err
	}
	return encoder.Encode(mod), nil
}
