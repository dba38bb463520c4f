package diskcached

import (
	"bytes"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/skipor/diskcached/internal/util"
	. "github.com/skipor/diskcached/testutil"
)

type MockReader struct {
	mock.Mock
}

func (m *MockReader) Read(p []byte) (int, error) {
	ret := m.Called(p)
	return ret.Int(0), ret.Error(1)
}

var _ = Describe("reader", func() {
	var (
		input          *bytes.Buffer
		r              reader
		line           []byte
		clientErr, err error
	)
	ReadLine := func() {
		line, clientErr, err = r.readLine()
	}

	const correctCommand = "get xxx   yyy " + Separator

	ExpectNoErrors := func() {
		ExpectWithOffset(1, clientErr).To(BeNil())
		ExpectWithOffset(1, err).To(BeNil())
	}
	ExpectCommandRead := func() {
		ReadLine()
		ExpectNoErrors()
		Expect(string(line)).To(Equal(correctCommand))
	}
	ExpectErr := func(expectedErr error) {
		ReadLine()
		Expect(util.Unwrap(err)).To(Equal(expectedErr))
		Expect(line).To(BeNil())
	}

	BeforeEach(func() {
		input = &bytes.Buffer{}
		r = newReader(input)
	})

	Context("read error", func() {
		var afterInputErr error
		JustBeforeEach(func() {
			afterInputErr = errors.New("some read error")
			mr := &MockReader{}
			mr.On("Read", mock.Anything).Return(0, afterInputErr)
			r = newReader(io.MultiReader(input, mr))
		})

		Context("just after some commands", func() {
			var n int
			BeforeEach(func() {
				n = Rand.Intn(3)
				for i := 0; i < n; i++ {
					input.WriteString(correctCommand)
				}
			})
			It("fails after them", func() {
				for i := 0; i < n; i++ {
					ExpectCommandRead()
				}
				ExpectErr(afterInputErr)
			})
		})

		Context("before command end", func() {
			BeforeEach(func() {
				input.WriteString("get xxx ")
			})
			It("fails", func() {
				ExpectErr(afterInputErr)
			})
		})

		Context("before large command end", func() {
			BeforeEach(func() {
				input.Write(ChunkWithoutSeparators(5 * InBufferSize))
			})
			It("fails", func() {
				ReadLine()
				Expect(util.Unwrap(clientErr)).To(Equal(ErrTooLargeCommand))
				Expect(util.Unwrap(err)).To(Equal(afterInputErr))
			})
		})
	})

	ExpectEOF := func() {
		ReadLine()
		Expect(util.Unwrap(err)).To(Equal(io.EOF))
		Expect(clientErr).To(BeNil())
		Expect(line).To(BeNil())
	}

	It("empty input got EOF", func() {
		ExpectEOF()
	})

	It("unfinished command is unexpected EOF", func() {
		input.WriteString("get xx")
		ReadLine()
		Expect(util.Unwrap(err)).To(Equal(io.ErrUnexpectedEOF))
	})

	Context("n correct commands", func() {
		var n int
		JustBeforeEach(func() {
			for i := 0; i < n; i++ {
				input.WriteString(correctCommand)
			}
		})
		AssertAllReadWell := func() {
			It("all of them read well", func() {
				for i := 0; i < n; i++ {
					ExpectCommandRead()
				}
				ExpectEOF()
			})
		}

		Context("n = 0 ", func() {
			BeforeEach(func() { n = 0 })
			AssertAllReadWell()
		})
		Context("n = some ", func() {
			BeforeEach(func() { n = Rand.Intn(50) + 1 })
			AssertAllReadWell()
		})
		Context("n = really big ", func() {
			BeforeEach(func() {
				n = Rand.Intn(2*InBufferSize/len(correctCommand)) + 1
			})
			AssertAllReadWell()
		})
	})

	Context("client error in input ", func() {
		// Test cases input structure: 1)correct command 2) some error input that produce error 3) correct command
		BeforeEach(func() {
			input.WriteString(correctCommand)
		})
		JustBeforeEach(func() {
			input.WriteString(correctCommand)
		})

		AssertClientErrEqual := func(expectedClientErr error) {
			It("client error equal expected", func() {
				ExpectCommandRead()
				ReadLine()
				if clientErr != nil {
					By("Got error: " + clientErr.Error())
				}
				Expect(util.Unwrap(clientErr)).To(Equal(expectedClientErr))
				Expect(err).To(BeNil())
				ExpectCommandRead()
				ExpectEOF()
			})
		}

		Context("illegal separator", func() {
			BeforeEach(func() {
				input.WriteString(strings.TrimSuffix(correctCommand, Separator))
				input.WriteByte('\n')
			})
			AssertClientErrEqual(ErrInvalidLineSeparator)
		})

		Context("too large command", func() {
			BeforeEach(func() {
				// Large command without separators
				noSepBigChunk := ChunkWithoutSeparators(3*InBufferSize + Rand.Intn(InBufferSize))
				n := len(noSepBigChunk)
				noSepBigChunk[n/2+Rand.Intn(n/4)] = '\n'
				input.Write(noSepBigChunk)
				input.WriteString(Separator)
			})
			AssertClientErrEqual(ErrTooLargeCommand)
		})

		Context("command fits buffer, but longer than max", func() {
			BeforeEach(func() {
				input.WriteString("get ")
				input.WriteString(strings.Repeat("k", MaxCommandSize))
				input.WriteString(Separator)
			})
			AssertClientErrEqual(ErrTooLargeCommand)
		})
	})
})

var _ = Describe("Parse", func() {
	b := func(s string) []byte { return []byte(s) }

	table.DescribeTable("valid",
		func(raw string, expected Command) {
			c, err := Parse([]byte(raw))
			Expect(err).NotTo(HaveOccurred())
			Expect(c).To(Equal(expected))
		},
		table.Entry("get", "get foo\r\n",
			Command{Verb: VerbGet, Keys: [][]byte{b("foo")}}),
		table.Entry("get many with extra spaces", "get  a b  c \r\n",
			Command{Verb: VerbGet, Keys: [][]byte{b("a"), b("b"), b("c")}}),
		table.Entry("gets", "gets a a\r\n",
			Command{Verb: VerbGets, Keys: [][]byte{b("a"), b("a")}}),
		table.Entry("delete", "delete foo\r\n",
			Command{Verb: VerbDelete, Key: b("foo")}),
		table.Entry("set", "set foo 5 100\r\nbar\r\n",
			Command{Verb: VerbSet, Key: b("foo"), Flags: 5, TTL: 100, Value: b("bar")}),
		table.Entry("set with bytes", "set foo 0 0 3\r\nbar\r\n",
			Command{Verb: VerbSet, Key: b("foo"), Value: b("bar")}),
		table.Entry("set binary value with bytes", "set foo 0 0 4\r\nb\r\nr\r\n",
			Command{Verb: VerbSet, Key: b("foo"), Value: b("b\r\nr")}),
		table.Entry("set empty value", "set foo 0 0\r\n\r\n",
			Command{Verb: VerbSet, Key: b("foo"), Value: b("")}),
		table.Entry("add", "add k 4294967295 18446744073709551615\r\nv\r\n",
			Command{Verb: VerbAdd, Key: b("k"), Flags: 1<<32 - 1, TTL: 1<<64 - 1, Value: b("v")}),
		table.Entry("append", "append k 1 2\r\nv\r\n",
			Command{Verb: VerbAppend, Key: b("k"), Flags: 1, TTL: 2, Value: b("v")}),
		table.Entry("prepend", "prepend k 1 2 1\r\nv\r\n",
			Command{Verb: VerbPrepend, Key: b("k"), Flags: 1, TTL: 2, Value: b("v")}),
		table.Entry("incr", "incr k 18446744073709551615\r\n",
			Command{Verb: VerbIncr, Key: b("k"), Amount: 1<<64 - 1}),
		table.Entry("decr", "decr k 1\r\n",
			Command{Verb: VerbDecr, Key: b("k"), Amount: 1}),
		table.Entry("stats", "stats\r\n",
			Command{Verb: VerbStats}),
		table.Entry("stats with args", "stats items\r\n",
			Command{Verb: VerbStats}),
		table.Entry("max key", "get "+strings.Repeat("k", MaxKeySize)+"\r\n",
			Command{Verb: VerbGet, Keys: [][]byte{b(strings.Repeat("k", MaxKeySize))}}),
		table.Entry("non ascii whitespace in key", "get a\xc2\xa0b c\xc2\x85\r\n",
			Command{Verb: VerbGet, Keys: [][]byte{b("a\xc2\xa0b"), b("c\xc2\x85")}}),
		table.Entry("set non ascii key", "set k\xc2\xa0 7 0 1\r\nv\r\n",
			Command{Verb: VerbSet, Key: b("k\xc2\xa0"), Flags: 7, Value: b("v")}),
	)

	table.DescribeTable("invalid",
		func(raw string, expected error) {
			_, err := Parse([]byte(raw))
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(&ParseError{}))
			if expected != nil {
				Expect(util.Unwrap(err.(*ParseError).Err)).To(Equal(expected))
			}
		},
		table.Entry("no separator", "get foo", ErrInvalidLineSeparator),
		table.Entry("empty", "\r\n", ErrEmptyCommand),
		table.Entry("spaces", "   \r\n", ErrEmptyCommand),
		table.Entry("unknown", "touch foo 1\r\n", nil),
		table.Entry("verb is case sensitive", "GET foo\r\n", nil),
		table.Entry("get without keys", "get\r\n", ErrMoreFieldsRequired),
		table.Entry("too large key", "get "+strings.Repeat("k", MaxKeySize+1)+"\r\n", ErrTooLargeKey),
		table.Entry("control char in key", "get a\x01b\r\n", ErrInvalidCharInKey),
		table.Entry("delete without key", "delete\r\n", ErrMoreFieldsRequired),
		table.Entry("delete extra field", "delete a 0\r\n", ErrTooManyFields),
		table.Entry("set without ttl", "set foo 0\r\nbar\r\n", ErrMoreFieldsRequired),
		table.Entry("set extra field", "set foo 0 0 3 noreply\r\nbar\r\n", ErrTooManyFields),
		table.Entry("set negative flags", "set foo -1 0\r\nbar\r\n", nil),
		table.Entry("set flags overflow", "set foo 4294967296 0\r\nbar\r\n", nil),
		table.Entry("set ttl not number", "set foo 0 x\r\nbar\r\n", nil),
		table.Entry("set without value", "set foo 0 0\r\n", ErrNoValue),
		table.Entry("set unterminated value", "set foo 0 0\r\nbar", ErrNoValue),
		table.Entry("set value trailing data", "set foo 0 0\r\nbar\r\nget foo\r\n", ErrTrailingData),
		table.Entry("set bytes mismatch", "set foo 0 0 2\r\nbar\r\n", ErrValueSizeMismatch),
		table.Entry("set bytes too big", "set foo 0 0 4\r\nbar\r\n", ErrValueSizeMismatch),
		table.Entry("set bytes over max item", "set foo 0 0 134217729\r\nbar\r\n", ErrTooLargeItem),
		table.Entry("incr without amount", "incr foo\r\n", ErrMoreFieldsRequired),
		table.Entry("incr negative", "incr foo -1\r\n", nil),
		table.Entry("incr overflow", "incr foo 18446744073709551616\r\n", nil),
		table.Entry("decr not number", "decr foo one\r\n", nil),
		table.Entry("get trailing data", "get foo\r\nbar\r\n", ErrTrailingData),
		table.Entry("tab is not separator", "get\tfoo\r\n", nil),
		table.Entry("tab in key", "get a\tb\r\n", ErrInvalidCharInKey),
	)

	It("command points into raw", func() {
		raw := []byte("set foo 0 0\r\nbar\r\n")
		c, err := Parse(raw)
		Expect(err).NotTo(HaveOccurred())
		raw[len("set ")] = 'g'
		Expect(string(c.Key)).To(Equal("goo"))
	})

	It("parse error message", func() {
		_, err := Parse([]byte("set foo 0 0 2\r\nbar\r\n"))
		Expect(err.Error()).To(Equal("parse error: " + ErrValueSizeMismatch.Error()))
	})

	It("is deterministic", func() {
		raw := []byte("incr foo 42\r\n")
		first, err := Parse(raw)
		Expect(err).NotTo(HaveOccurred())
		second, err := Parse(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
	})
})

var _ = Describe("valueBlock", func() {
	table.DescribeTable("",
		func(line string, follows bool, size int) {
			f, s := valueBlock([]byte(line))
			Expect(f).To(Equal(follows))
			if follows {
				Expect(s).To(Equal(size))
			}
		},
		table.Entry("get", "get foo\r\n", false, 0),
		table.Entry("empty", "\r\n", false, 0),
		table.Entry("set", "set foo 0 0\r\n", true, -1),
		table.Entry("set sized", "set foo 0 0 10\r\n", true, 10),
		table.Entry("append sized", "append foo 0 0 0\r\n", true, 0),
		table.Entry("set bad size", "set foo 0 0 x\r\n", true, -1),
		table.Entry("set too few fields", "set foo\r\n", true, -1),
		table.Entry("incr", "incr foo 1\r\n", false, 0),
		table.Entry("non ascii key sized", "set k\xc2\xa0 0 0 3\r\n", true, 3),
	)

	It("quit", func() {
		Expect(isQuit([]byte("quit\r\n"))).To(BeTrue())
		Expect(isQuit([]byte(" quit \r\n"))).To(BeTrue())
		Expect(isQuit([]byte("quit now\r\n"))).To(BeFalse())
		Expect(isQuit([]byte("get quit\r\n"))).To(BeFalse())
	})
})
