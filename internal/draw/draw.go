package draw

// Image is one downloaded generation output. Index preserves the order
// the provider produced them in.
type Image struct {
	URL       string
	LocalPath string
	Filename  string
	SizeBytes int64
	Index     int
}

// Result is the payload of a successful generation job.
type Result struct {
	Prompt string
	Images []Image
}
