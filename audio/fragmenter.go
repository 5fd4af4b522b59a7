package audio

import "sync"

// Channel идентифицирует источник аудио фрагмента
type Channel string

const (
	ChannelMicrophone Channel = "microphone"
	ChannelSystem     Channel = "system"
	ChannelMixed      Channel = "mixed"
)

// Fragment — порция семплов с привязкой к каналу
type Fragment struct {
	Channel Channel
	Samples []float64
}

// fragmenter накапливает семплы с устройств и нарезает их на фрагменты.
// Вынесен из логики устройств, чтобы тестировать нарезку без железа.
//
// В режиме микса на обычном срезе смешивается только общая доступная
// длина обоих источников; остаток лежит в буфере до прихода отстающего
// источника. Принудительный срез (backstop) дожимает остатки с тишиной,
// чтобы заглохший системный источник не задерживал данные микрофона.
type fragmenter struct {
	mu    sync.Mutex
	mixed bool
	mic   []float64
	sys   []float64
}

func newFragmenter(mixed bool) *fragmenter {
	return &fragmenter{mixed: mixed}
}

func (f *fragmenter) pushMic(samples []float64) {
	f.mu.Lock()
	f.mic = append(f.mic, samples...)
	f.mu.Unlock()
}

func (f *fragmenter) pushSystem(samples []float64) {
	f.mu.Lock()
	f.sys = append(f.sys, samples...)
	f.mu.Unlock()
}

// cut возвращает готовые фрагменты и сдвигает буферы. Каждый семпл
// попадает ровно в один фрагмент.
func (f *fragmenter) cut(force bool) []Fragment {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mixed {
		var out []Fragment
		if len(f.mic) > 0 {
			out = append(out, Fragment{Channel: ChannelMicrophone, Samples: f.mic})
			f.mic = nil
		}
		if len(f.sys) > 0 {
			out = append(out, Fragment{Channel: ChannelSystem, Samples: f.sys})
			f.sys = nil
		}
		return out
	}

	mixedOut, n := Mix(f.mic, f.sys)
	f.mic = f.mic[n:]
	f.sys = f.sys[n:]

	if force {
		if len(f.mic) > 0 {
			mixedOut = append(mixedOut, MixWithSilence(f.mic)...)
			f.mic = nil
		}
		if len(f.sys) > 0 {
			mixedOut = append(mixedOut, MixWithSilence(f.sys)...)
			f.sys = nil
		}
	}
	if len(mixedOut) == 0 {
		return nil
	}
	return []Fragment{{Channel: ChannelMixed, Samples: mixedOut}}
}

// pending возвращает число буферизованных семплов (для тестов)
func (f *fragmenter) pending() (mic, sys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mic), len(f.sys)
}
