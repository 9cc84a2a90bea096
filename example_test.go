package epubres_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http/httptest"

	"github.com/simp-lee/epubres"
)

// exampleBook returns a small archive with one chapter.
func exampleBook() []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("OEBPS/chapter1.xhtml")
	io.WriteString(w, "<html><body>Hello</body></html>")
	zw.Close()
	return buf.Bytes()
}

func ExampleRegistry_Resolve() {
	ctx := context.Background()
	reg := epubres.NewRegistry(epubres.WithGeneration("v1"))
	defer reg.Close()

	_, err := reg.Register(ctx, epubres.Registration{
		ID:     "book1",
		Source: epubres.BlobSource{Name: "book1.epub", Data: exampleBook()},
	})
	if err != nil {
		log.Fatal(err)
	}

	res, err := reg.Resolve(ctx, "book1", "OEBPS/chapter1.xhtml")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.MimeType)
	fmt.Println(string(res.Data))
	// Output:
	// application/xhtml+xml
	// <html><body>Hello</body></html>
}

func ExampleNewInterceptor() {
	reg := epubres.NewRegistry()
	defer reg.Close()
	if _, err := reg.Register(context.Background(), epubres.Registration{
		ID:     "book1",
		Source: epubres.BlobSource{Data: exampleBook()},
	}); err != nil {
		log.Fatal(err)
	}

	h := epubres.NewInterceptor(reg, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/___/book1/OEBPS/chapter1.xhtml", nil))

	fmt.Println(rec.Code, rec.Header().Get("Content-Type"), rec.Header().Get("Content-Length"))
	// Output: 200 application/xhtml+xml 31
}

func ExampleMimeType() {
	fmt.Println(epubres.MimeType("OEBPS/fonts/Serif.WOFF2"))
	fmt.Println(epubres.MimeType("OEBPS/unknown.bin"))
	// Output:
	// font/woff2
	// application/octet-stream
}

func ExampleBundleID() {
	id := epubres.BundleID("https://books.example.com/moby-dick.epub")
	fmt.Println(len(id))
	// Output: 32
}

func ExampleParseLicense() {
	lic, err := epubres.ParseLicense(nil)
	fmt.Println(lic == nil, err != nil)
	// Output: true true
}
