package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	notmetronome "github.com/gonzalogmercado-lang/NotMetronome"
)

func main() {
	var (
		bpm        = flag.Int("bpm", 120, "tempo in beats per minute (30-300)")
		meter      = flag.String("meter", "4/4", "time signature, e.g. 4/4 or 11/8")
		groups     = flag.String("groups", "", "accent grouping, e.g. 3,3,3,2")
		subdiv     = flag.String("subdiv", "", "per-beat subdivisions (quarter meters only), e.g. 1,3,1,1")
		beatGuide  = flag.Bool("beat-guide", false, "force the first slot of every beat audible")
		bars       = flag.Int("bars", 4, "stop after N bars (0 = run until interrupted)")
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		wavPath    = flag.String("wav", "", "render to a WAV file instead of playing")
		wavSecs    = flag.Float64("seconds", 8, "length of the WAV render")
		quiet      = flag.Bool("quiet", false, "suppress per-tick output")
	)
	flag.Parse()

	cfg, err := buildConfig(*bpm, *meter, *groups, *subdiv, *beatGuide)
	if err != nil {
		log.Fatal(err)
	}

	if *wavPath != "" {
		samples := notmetronome.RenderClickTrack(cfg, *sampleRate, *wavSecs, nil)
		wav := notmetronome.EncodeWAVInt16LE(samples, *sampleRate, 1)
		if err := os.WriteFile(*wavPath, wav, 0o644); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s (%.1f s)\n", *wavPath, *wavSecs)
		return
	}

	engine := notmetronome.NewEngine(notmetronome.WithSampleRate(*sampleRate))
	done := make(chan struct{})
	var once sync.Once
	barCount := 0
	engine.OnBarChange(func(bar int) {
		barCount++
		if *bars > 0 && barCount > *bars {
			once.Do(func() { close(done) })
		}
	})
	if !*quiet {
		engine.OnTick(func(ev notmetronome.TickEvent) {
			if ev.Slot == 0 {
				fmt.Printf("%8.1f ms  bar %d beat %d  %s\n", ev.AtMs, ev.Bar, ev.Beat, glyph(ev.Accent))
			}
		})
	}

	if err := engine.Start(cfg); err != nil {
		log.Fatal(err)
	}
	<-done
	engine.Stop()
}

func buildConfig(bpm int, meter, groups, subdiv string, beatGuide bool) (notmetronome.Config, error) {
	var cfg notmetronome.Config
	m, err := parseMeter(meter)
	if err != nil {
		return cfg, err
	}
	bar := notmetronome.Bar{Meter: m}
	if groups != "" {
		if bar.Groups, err = parseInts(groups); err != nil {
			return cfg, fmt.Errorf("bad -groups: %w", err)
		}
	}
	if subdiv != "" {
		if bar.Subdiv, err = parseInts(subdiv); err != nil {
			return cfg, fmt.Errorf("bad -subdiv: %w", err)
		}
	}
	cfg = notmetronome.Config{
		BPM:       bpm,
		Bars:      []notmetronome.Bar{bar},
		Loop:      true,
		BeatGuide: beatGuide,
	}
	return cfg, nil
}

func parseMeter(s string) (notmetronome.Meter, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return notmetronome.Meter{}, fmt.Errorf("meter %q is not n/d", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return notmetronome.Meter{}, err
	}
	d, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return notmetronome.Meter{}, err
	}
	return notmetronome.Meter{Beats: n, Unit: d}, nil
}

func parseInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func glyph(a notmetronome.AccentLevel) string {
	switch a {
	case notmetronome.BarStrong:
		return "F"
	case notmetronome.GroupMedium:
		return "m"
	default:
		return "x"
	}
}
