package filter

import (
	"testing"
)

// BenchmarkFilter_Allows_WithIncludeFilter benchmarks the filter with include patterns
func BenchmarkFilter_Allows_WithIncludeFilter(b *testing.B) {
	f, err := New(Options{
		IncludeHeader: []string{"From:.*@example\\.com"},
	})
	if err != nil {
		b.Fatal(err)
	}

	header := []byte("From: test@example.com\nTo: assistant@example.com\nSubject: Question\n")
	body := []byte("What is the answer to this question?")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(header, body)
	}
}

// BenchmarkFilter_Allows_WithExcludeFilter benchmarks the filter with exclude patterns
func BenchmarkFilter_Allows_WithExcludeFilter(b *testing.B) {
	f, err := New(Options{
		ExcludeHeader: []string{"From:.*noreply.*"},
	})
	if err != nil {
		b.Fatal(err)
	}

	header := []byte("From: test@example.com\nTo: assistant@example.com\nSubject: Question\n")
	body := []byte("What is the answer to this question?")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(header, body)
	}
}

// BenchmarkSplitRawMessage benchmarks the raw message splitting function
func BenchmarkSplitRawMessage(b *testing.B) {
	raw := []byte("From: test@example.com\nTo: assistant@example.com\nSubject: Question\r\n\r\nThis is the body of the message.")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SplitRawMessage(raw)
	}
}
