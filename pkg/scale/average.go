package scale

// Average returns a channel that carries the moving average of the last
// window samples of in, one output per input. Values are averaged in grams;
// the output keeps the time and raw line of the newest sample. The output is
// closed when in is closed. A full output drops the newest average.
func Average(in <-chan Sample, window, bufSize int) <-chan Sample {
	if window <= 0 {
		window = 1
	}
	if bufSize <= 0 {
		bufSize = 16
	}

	out := make(chan Sample, bufSize)
	go func() {
		defer close(out)

		buffer := make([]float64, 0, window)
		for s := range in {
			buffer = append(buffer, s.Grams())
			if len(buffer) > window {
				buffer = buffer[1:]
			}

			select {
			case out <- averageOf(buffer, s):
			default:
			}
		}
	}()
	return out
}

func averageOf(grams []float64, last Sample) Sample {
	sum := 0.0
	for _, g := range grams {
		sum += g
	}
	return Sample{
		Value: sum / float64(len(grams)),
		Unit:  "g",
		Raw:   last.Raw,
		Time:  last.Time,
	}
}
