package reader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/util"
)

var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".m4a": true, ".ogg": true, ".aac": true,
}

// Probe measures the quality signals of one file. A file that cannot be
// probed yields zero signals and the error, so scoring can still proceed
// on size and name.
func Probe(desc model.FileDescriptor) (model.Signals, error) {
	switch desc.Kind {
	case model.KindImage:
		w, h, err := ImageDimensions(desc.Path)
		if err != nil {
			return model.Signals{}, err
		}
		return model.Signals{Pixels: int64(w) * int64(h)}, nil

	case model.KindDocument:
		text, err := ReadText(desc.Path)
		if err != nil {
			return model.Signals{}, err
		}
		return model.Signals{WordCount: WordCount(text)}, nil
	}

	if audioExtensions[strings.ToLower(filepath.Ext(desc.Path))] {
		c, err := TagCompleteness(desc.Path)
		if err != nil {
			return model.Signals{}, err
		}
		return model.Signals{TagCompleteness: c}, nil
	}
	return model.Signals{}, nil
}

// TagCompleteness returns the share of title, artist, album, year, track
// and genre tags that are populated
func TagCompleteness(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, util.WrapKind(util.ErrIO, "open "+path, err)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		if errors.Is(err, tag.ErrNoTagsFound) {
			return 0, nil
		}
		return 0, util.WrapKind(util.ErrCorruptFile, "tags "+path, err)
	}

	track, _ := m.Track()
	present := []bool{
		strings.TrimSpace(m.Title()) != "",
		strings.TrimSpace(m.Artist()) != "",
		strings.TrimSpace(m.Album()) != "",
		m.Year() > 0,
		track > 0,
		strings.TrimSpace(m.Genre()) != "",
	}
	n := 0
	for _, ok := range present {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(present)), nil
}
