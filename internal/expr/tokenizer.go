package expr

import (
	"strconv"
	"unicode"
)

// TokenKind represents the lexical class of a token
type TokenKind int

const (
	TokenWhitespace TokenKind = iota
	TokenSingleLineComment
	TokenMultiLineComment
	TokenDoubleQuotedString
	TokenNumber
	TokenSingleQuotedString
	TokenAdditiveOperator
	TokenMultiplicativeOperator
	TokenParenthesis
	TokenBrace
	TokenComma
	TokenAnd
	TokenOr
	TokenEqual
	TokenNotEqual
	TokenLessThan
	TokenGreaterThan
	TokenLessOrEqual
	TokenGreaterOrEqual
	TokenNull
	TokenIdentifier
)

var tokenKindNames = [...]string{
	TokenWhitespace:             "WHITESPACE",
	TokenSingleLineComment:      "SINGLE_LINE_COMMENT",
	TokenMultiLineComment:       "MULTI_LINE_COMMENT",
	TokenDoubleQuotedString:     "DOUBLE_QUOTE_STRING",
	TokenNumber:                 "NUMBER",
	TokenSingleQuotedString:     "STRING",
	TokenAdditiveOperator:       "ADDITIVE_OPERATOR",
	TokenMultiplicativeOperator: "MULTIPLICATIVE_OPERATOR",
	TokenParenthesis:            "PARENTHESIS",
	TokenBrace:                  "BRACES",
	TokenComma:                  "COMMA",
	TokenAnd:                    "AND",
	TokenOr:                     "OR",
	TokenEqual:                  "EQUAL",
	TokenNotEqual:               "NOT_EQUAL",
	TokenLessThan:               "LESS_THAN",
	TokenGreaterThan:            "GREATER_THAN",
	TokenLessOrEqual:            "LESS_THAN_OR_EQUAL",
	TokenGreaterOrEqual:         "GREATER_THAN_OR_EQUAL",
	TokenNull:                   "NULL",
	TokenIdentifier:             "IDENTIFIER",
}

func (k TokenKind) String() string {
	if k >= 0 && int(k) < len(tokenKindNames) {
		return tokenKindNames[k]
	}
	return "TokenKind(" + strconv.Itoa(int(k)) + ")"
}

// Trivia reports whether the parser discards tokens of this kind.
func (k TokenKind) Trivia() bool {
	return k == TokenWhitespace || k == TokenSingleLineComment || k == TokenMultiLineComment
}

// Token represents a single token in the formula text
type Token struct {
	Kind   TokenKind
	Lexeme string
	// Pos is the 0-based character offset of the first character.
	Pos int
}

// tokenPattern matches a prefix of the remaining input and returns its length,
// or 0 when it does not match.
type tokenPattern struct {
	kind  TokenKind
	match func(input []rune) int
}

// tokenPatterns is tried in order; the first match wins. Strings, numbers and
// comments precede the operators, two-character operators precede their
// one-character prefixes, and NULL precedes the generic identifier.
var tokenPatterns = []tokenPattern{
	{TokenWhitespace, matchWhitespace},
	{TokenDoubleQuotedString, matchQuoted('"')},
	{TokenNumber, matchDigits},
	{TokenSingleQuotedString, matchQuoted('\'')},
	{TokenSingleLineComment, matchLineComment},
	{TokenMultiLineComment, matchBlockComment},
	{TokenAdditiveOperator, matchOneOf('+', '-')},
	{TokenMultiplicativeOperator, matchOneOf('*', '/')},
	{TokenParenthesis, matchOneOf('(', ')')},
	{TokenBrace, matchOneOf('{', '}')},
	{TokenComma, matchLiteral(",")},
	{TokenAnd, matchLiteral("&&")},
	{TokenOr, matchLiteral("||")},
	{TokenEqual, matchLiteral("=")},
	{TokenNotEqual, matchLiteral("!=")},
	{TokenNotEqual, matchLiteral("<>")},
	{TokenLessOrEqual, matchLiteral("<=")},
	{TokenGreaterOrEqual, matchLiteral(">=")},
	{TokenLessThan, matchLiteral("<")},
	{TokenGreaterThan, matchLiteral(">")},
	{TokenNull, matchNull},
	{TokenIdentifier, matchIdentifier},
}

// Tokenizer splits formula text into tokens and tracks parenthesis balance.
// A Tokenizer is not safe for concurrent use.
type Tokenizer struct {
	input  []rune
	pos    int
	parens []int
}

// NewTokenizer creates a new tokenizer
func NewTokenizer() *Tokenizer {
	return &Tokenizer{}
}

// Initialize resets the cursor and parenthesis tracking for a new input.
func (t *Tokenizer) Initialize(text string) {
	t.input = []rune(text)
	t.pos = 0
	t.parens = t.parens[:0]
}

// HasMoreTokens reports whether unconsumed input remains.
func (t *Tokenizer) HasMoreTokens() bool {
	return t.pos < len(t.input)
}

// NextToken returns the next token. The boolean is false once the input is
// exhausted.
func (t *Tokenizer) NextToken() (Token, bool, error) {
	if !t.HasMoreTokens() {
		return Token{}, false, nil
	}

	remaining := t.input[t.pos:]
	for _, pattern := range tokenPatterns {
		n := pattern.match(remaining)
		if n == 0 {
			continue
		}

		start := t.pos
		lexeme := string(remaining[:n])
		t.pos += n

		switch lexeme {
		case "(":
			t.parens = append(t.parens, start)
		case ")":
			if len(t.parens) == 0 {
				return Token{}, false, &Error{
					Kind: KindUnbalancedParenthesis,
					Pos:  start + 1,
					Near: nearWindow(t.input, start),
					Msg:  "Unexpected closing parenthesis at position " + strconv.Itoa(start+1) + ": ')' without matching '('",
				}
			}
			t.parens = t.parens[:len(t.parens)-1]
		}

		return Token{Kind: pattern.kind, Lexeme: lexeme, Pos: start}, true, nil
	}

	return Token{}, false, &Error{
		Kind: KindLex,
		Pos:  t.pos + 1,
		Near: nearWindow(t.input, t.pos),
		Msg:  "Unexpected character at position " + strconv.Itoa(t.pos+1) + ": '" + string(remaining[0]) + "'",
	}
}

// CheckParenthesesBalance fails if an opening parenthesis was never closed,
// reporting the innermost one.
func (t *Tokenizer) CheckParenthesesBalance() error {
	if len(t.parens) == 0 {
		return nil
	}
	open := t.parens[len(t.parens)-1]
	return &Error{
		Kind: KindUnbalancedParenthesis,
		Pos:  open + 1,
		Near: nearWindow(t.input, open),
		Msg:  "Missing closing parenthesis for opening parenthesis at position " + strconv.Itoa(open+1),
	}
}

// TokenizeAll returns every remaining token, whitespace and comments included.
// It does not check parenthesis balance.
func (t *Tokenizer) TokenizeAll() ([]Token, error) {
	var tokens []Token
	for {
		token, ok, err := t.NextToken()
		if err != nil {
			return nil, err
		}
		if !ok {
			return tokens, nil
		}
		tokens = append(tokens, token)
	}
}

func matchWhitespace(input []rune) int {
	n := 0
	for n < len(input) && unicode.IsSpace(input[n]) {
		n++
	}
	return n
}

func matchDigits(input []rune) int {
	n := 0
	for n < len(input) && isDigit(input[n]) {
		n++
	}
	return n
}

// matchQuoted matches quote, any run of non-quote characters, quote.
func matchQuoted(quote rune) func([]rune) int {
	return func(input []rune) int {
		if len(input) == 0 || input[0] != quote {
			return 0
		}
		for i := 1; i < len(input); i++ {
			if input[i] == quote {
				return i + 1
			}
		}
		return 0
	}
}

func matchLineComment(input []rune) int {
	if len(input) < 2 || input[0] != '/' || input[1] != '/' {
		return 0
	}
	n := 2
	for n < len(input) && !isLineTerminator(input[n]) {
		n++
	}
	return n
}

func matchBlockComment(input []rune) int {
	if len(input) < 2 || input[0] != '/' || input[1] != '*' {
		return 0
	}
	for i := 2; i+1 < len(input); i++ {
		if input[i] == '*' && input[i+1] == '/' {
			return i + 2
		}
	}
	return 0
}

func matchOneOf(chars ...rune) func([]rune) int {
	return func(input []rune) int {
		if len(input) == 0 {
			return 0
		}
		for _, c := range chars {
			if input[0] == c {
				return 1
			}
		}
		return 0
	}
}

func matchLiteral(literal string) func([]rune) int {
	want := []rune(literal)
	return func(input []rune) int {
		if len(input) < len(want) {
			return 0
		}
		for i, c := range want {
			if input[i] != c {
				return 0
			}
		}
		return len(want)
	}
}

// matchNull matches NULL in any letter case when it is a whole word.
func matchNull(input []rune) int {
	const word = "null"
	if len(input) < len(word) {
		return 0
	}
	for i := 0; i < len(word); i++ {
		if unicode.ToLower(input[i]) != rune(word[i]) {
			return 0
		}
	}
	if len(input) > len(word) && isWordChar(input[len(word)]) {
		return 0
	}
	return len(word)
}

func matchIdentifier(input []rune) int {
	if len(input) == 0 || !(isASCIILetter(input[0]) || input[0] == '_') {
		return 0
	}
	n := 1
	for n < len(input) && isWordChar(input[n]) {
		n++
	}
	return n
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isWordChar(r rune) bool {
	return isASCIILetter(r) || isDigit(r) || r == '_'
}

func isLineTerminator(r rune) bool {
	return r == '\n' || r == '\r' || r == '\u2028' || r == '\u2029'
}
