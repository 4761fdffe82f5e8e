package expr

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

// MaxNestingDepth bounds how deeply parentheses and function calls may nest.
const MaxNestingDepth = 256

// MaxFormulaLength bounds the canonical text of a formula, in characters.
// Step extraction renders every subexpression, so its output grows with the
// square of this length.
const MaxFormulaLength = 8192

// ASTParser parses a filtered token stream into a syntax tree
type ASTParser struct {
	tokens  []Token
	current int
	depth   int
	// end is the 0-based offset just past the last character of the input.
	end int
}

// NewASTParser creates a new AST parser. Whitespace and comment tokens are
// dropped.
func NewASTParser(tokens []Token) *ASTParser {
	p := &ASTParser{tokens: make([]Token, 0, len(tokens))}
	for _, token := range tokens {
		if !token.Kind.Trivia() {
			p.tokens = append(p.tokens, token)
		}
	}
	if n := len(tokens); n > 0 {
		last := tokens[n-1]
		p.end = last.Pos + utf8.RuneCountInString(last.Lexeme)
	}
	return p
}

// Parse tokenizes text, checks parenthesis balance and parses the result into
// exactly one tree. There is no partial tree on failure.
func Parse(text string) (Node, error) {
	tokenizer := NewTokenizer()
	tokenizer.Initialize(text)
	tokens, err := tokenizer.TokenizeAll()
	if err != nil {
		return nil, err
	}
	if err := tokenizer.CheckParenthesesBalance(); err != nil {
		return nil, err
	}
	parser := NewASTParser(tokens)
	// Oversized input fails before a tree is built.
	if n := len(parser.tokens); n > MaxFormulaLength {
		return nil, tooLong(fmt.Sprintf("%d tokens", n))
	}
	root, err := parser.Parse()
	if err != nil {
		return nil, err
	}
	// The limit applies to the canonical form so that Rebuild output always
	// parses again.
	if n := utf8.RuneCountInString(Rebuild(root)); n > MaxFormulaLength {
		return nil, tooLong(fmt.Sprintf("%d characters", n))
	}
	return root, nil
}

func tooLong(size string) *Error {
	return &Error{
		Kind: KindFormulaTooLong,
		Msg:  fmt.Sprintf("Formula too long: %s, limit is %d characters", size, MaxFormulaLength),
	}
}

// Parse parses the tokens into an AST
func (p *ASTParser) Parse() (Node, error) {
	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	// Verify all tokens were consumed
	if token, ok := p.peek(); ok {
		return nil, &Error{
			Kind: KindUnexpectedToken,
			Pos:  token.Pos + 1,
			Msg:  fmt.Sprintf("Unexpected token after expression at position %d: %s", token.Pos+1, token.Lexeme),
		}
	}

	return node, nil
}

// peek returns the current token without consuming it
func (p *ASTParser) peek() (Token, bool) {
	if p.current >= len(p.tokens) {
		return Token{}, false
	}
	return p.tokens[p.current], true
}

// peekIs reports whether the current token is the given punctuation.
func (p *ASTParser) peekIs(kind TokenKind, lexeme string) bool {
	token, ok := p.peek()
	return ok && token.Kind == kind && token.Lexeme == lexeme
}

// advance consumes the current token
func (p *ASTParser) advance() (Token, error) {
	token, ok := p.peek()
	if !ok {
		return Token{}, &Error{
			Kind: KindUnexpectedEndOfInput,
			Pos:  p.end + 1,
			Msg:  "Unexpected end of input",
		}
	}
	p.current++
	return token, nil
}

// expect consumes the current token if it matches kind and lexeme
func (p *ASTParser) expect(kind TokenKind, lexeme string) (Token, error) {
	token, err := p.advance()
	if err != nil {
		return Token{}, err
	}
	if token.Kind != kind || token.Lexeme != lexeme {
		return Token{}, &Error{
			Kind: KindExpectedTokenKind,
			Pos:  token.Pos + 1,
			Msg: fmt.Sprintf("Expected %s '%s' at position %d, got %s '%s'",
				kind, lexeme, token.Pos+1, token.Kind, token.Lexeme),
		}
	}
	return token, nil
}

// parseExpression handles && and || (lowest precedence)
func (p *ASTParser) parseExpression() (Node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > MaxNestingDepth {
		token, _ := p.peek()
		return nil, &Error{
			Kind: KindNestingTooDeep,
			Pos:  token.Pos + 1,
			Msg:  fmt.Sprintf("Expression nested deeper than %d levels", MaxNestingDepth),
		}
	}
	return p.foldBinary(p.parseEquality, TokenAnd, TokenOr)
}

// parseEquality handles equality and relational comparisons
func (p *ASTParser) parseEquality() (Node, error) {
	return p.foldBinary(p.parseTerm,
		TokenEqual, TokenNotEqual, TokenLessThan, TokenGreaterThan, TokenLessOrEqual, TokenGreaterOrEqual)
}

// parseTerm handles + and -
func (p *ASTParser) parseTerm() (Node, error) {
	return p.foldBinary(p.parseFactor, TokenAdditiveOperator)
}

// parseFactor handles * and /
func (p *ASTParser) parseFactor() (Node, error) {
	return p.foldBinary(p.parsePrimary, TokenMultiplicativeOperator)
}

// foldBinary parses operand (op operand)* left-associatively for the given
// operator kinds.
func (p *ASTParser) foldBinary(operand func() (Node, error), kinds ...TokenKind) (Node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}

	for {
		token, ok := p.peek()
		if !ok || !containsKind(kinds, token.Kind) {
			return left, nil
		}
		p.current++
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Operator: token.Lexeme, Left: left, Right: right}
	}
}

func containsKind(kinds []TokenKind, kind TokenKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// parsePrimary handles literals, field references, function calls and groups
func (p *ASTParser) parsePrimary() (Node, error) {
	token, err := p.advance()
	if err != nil {
		return nil, err
	}

	switch token.Kind {
	case TokenNumber:
		value, err := strconv.ParseFloat(token.Lexeme, 64)
		if err != nil {
			return nil, &Error{
				Kind: KindUnexpectedToken,
				Pos:  token.Pos + 1,
				Msg:  fmt.Sprintf("Numeric literal out of range at position %d: %s", token.Pos+1, token.Lexeme),
			}
		}
		return &Literal{Value: NumberValue(value)}, nil
	case TokenSingleQuotedString, TokenDoubleQuotedString:
		return &Literal{Value: TextValue(token.Lexeme[1 : len(token.Lexeme)-1])}, nil
	case TokenNull:
		return &Literal{Value: NullValue()}, nil
	case TokenIdentifier:
		if p.peekIs(TokenParenthesis, "(") {
			return p.parseFunctionCall(token.Lexeme)
		}
		return &Field{Name: token.Lexeme}, nil
	case TokenParenthesis:
		if token.Lexeme == "(" {
			node, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenParenthesis, ")"); err != nil {
				return nil, err
			}
			return node, nil
		}
	}

	return nil, &Error{
		Kind: KindUnexpectedToken,
		Pos:  token.Pos + 1,
		Msg:  fmt.Sprintf("Unexpected token at position %d: %s", token.Pos+1, token.Lexeme),
	}
}

// parseFunctionCall parses '(' [Expression (',' Expression)*] ')' after a name
func (p *ASTParser) parseFunctionCall(name string) (Node, error) {
	if _, err := p.expect(TokenParenthesis, "("); err != nil {
		return nil, err
	}

	call := &FunctionCall{Name: name}
	if p.peekIs(TokenParenthesis, ")") {
		p.current++
		return call, nil
	}

	for {
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)

		if !p.peekIs(TokenComma, ",") {
			break
		}
		p.current++
		if token, ok := p.peek(); ok && token.Kind == TokenParenthesis && token.Lexeme == ")" {
			return nil, &Error{
				Kind: KindUnexpectedToken,
				Pos:  token.Pos + 1,
				Msg:  fmt.Sprintf("Expected argument after ',' at position %d", token.Pos+1),
			}
		}
	}

	if _, err := p.expect(TokenParenthesis, ")"); err != nil {
		return nil, err
	}
	return call, nil
}
