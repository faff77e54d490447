package dna

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func randomContent(seed int64, size int) []byte {
	rng := rand.New(rand.NewSource(seed))
	content := make([]byte, size)
	rng.Read(content)
	return content
}

func TestSimilarity_SelfAndDisjoint(t *testing.T) {
	a := NewProfileBytes(randomContent(1, 4096))
	b := NewProfileBytes(randomContent(1, 4096))
	other := NewProfileBytes(bytes.Repeat([]byte("benign office document text "), 200))

	if got := Similarity(a, b); got < 0.999 {
		t.Errorf("identical content similarity = %f, want ~1", got)
	}
	self := Similarity(a, a)
	cross := Similarity(a, other)
	if cross >= self {
		t.Errorf("unrelated similarity %f not below self similarity %f", cross, self)
	}
	if cross < 0 || cross > 1 {
		t.Errorf("similarity %f out of [0,1]", cross)
	}
}

func TestSimilarity_MutationDegradesGracefully(t *testing.T) {
	base := randomContent(7, 8192)
	mutated := append([]byte{}, base...)
	// insert a foreign block mid-stream, the way mutated variants pad code
	mutated = append(mutated[:4096], append(randomContent(8, 512), mutated[4096:]...)...)

	pBase := NewProfileBytes(base)
	pMut := NewProfileBytes(mutated)
	got := Similarity(pBase, pMut)
	if got < 0.5 {
		t.Errorf("mutated variant similarity = %f, want graceful degradation above 0.5", got)
	}
	if got >= Similarity(pBase, pBase) {
		t.Errorf("mutated similarity %f should be below self similarity", got)
	}
}

func TestNewProfile_Degraded(t *testing.T) {
	p := NewProfileBytes([]byte{0x90})
	if !p.Degraded {
		t.Error("tiny content should degrade the profile")
	}
	if got := Similarity(p, NewProfileBytes(randomContent(3, 1024))); got != 0 {
		t.Errorf("degraded profile similarity = %f, want 0", got)
	}
}

func TestCorpus_Best(t *testing.T) {
	family := NewProfileBytes(randomContent(42, 8192))
	cf := CorpusFile{
		Version: "2026.08.1",
		Fingerprints: []Fingerprint{
			{Family: "Ransomware.Crypto", Threshold: 0.8, Profile: family},
			{Family: "Worm.Win32", Threshold: 0.8, Profile: NewProfileBytes(randomContent(77, 8192))},
		},
	}
	raw, err := yaml.Marshal(&cf)
	if err != nil {
		t.Fatalf("could not marshal corpus: %s", err)
	}
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("could not write corpus: %s", err)
	}

	corpus, err := NewCorpus(path)
	if err != nil {
		t.Fatalf("could not load corpus: %s", err)
	}
	if got := corpus.Version(); got != "2026.08.1" {
		t.Errorf("invalid corpus version %s", got)
	}

	score, label := corpus.Best(NewProfileBytes(randomContent(42, 8192)))
	if label != "Ransomware.Crypto" {
		t.Errorf("best family = %q, want Ransomware.Crypto", label)
	}
	if score < 0.99 {
		t.Errorf("best score = %f, want ~1", score)
	}

	score, label = corpus.Best(&Profile{Degraded: true})
	if score != 0 || label != "" {
		t.Errorf("degraded profile should score (0, none), got (%f, %q)", score, label)
	}
}

func TestCorpus_Empty(t *testing.T) {
	corpus, err := NewCorpus("")
	if err != nil {
		t.Fatalf("could not create empty corpus: %s", err)
	}
	score, label := corpus.Best(NewProfileBytes(randomContent(5, 2048)))
	if score != 0 || label != "" {
		t.Errorf("empty corpus should score (0, none), got (%f, %q)", score, label)
	}
}
