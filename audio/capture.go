package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

var (
	// ErrDeviceUnavailable — микрофон не найден или не запустился
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")
	// ErrCaptureBusy — захват уже идёт, второй одновременный невозможен
	ErrCaptureBusy = errors.New("audio: capture already in progress")
)

// Device представляет аудио устройство
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsInput  bool   `json:"isInput"`
	IsOutput bool   `json:"isOutput"`
}

// EngineOptions — тайминги нарезки и остановки
type EngineOptions struct {
	// FragmentInterval — период обычного среза фрагментов
	FragmentInterval time.Duration
	// FlushInterval — период принудительного среза (backstop),
	// ограничивает задержку данных при заглохшем источнике
	FlushInterval time.Duration
	// StopTimeout — верхняя граница ожидания остановки устройств
	StopTimeout time.Duration
}

// Engine управляет аудио контекстом и выдаёт захваты.
// Одновременно может быть активен только один Handle.
type Engine struct {
	ctx    *malgo.AllocatedContext
	opts   EngineOptions
	logger *zap.SugaredLogger

	mu   sync.Mutex
	busy bool
}

func NewEngine(opts EngineOptions, logger *zap.SugaredLogger) (*Engine, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Engine{ctx: ctx, opts: opts, logger: logger}, nil
}

// ListDevices возвращает список доступных аудио устройств
func (e *Engine) ListDevices() ([]Device, error) {
	var devices []Device

	captureDevices, err := e.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	for _, dev := range captureDevices {
		devices = append(devices, Device{
			ID:      deviceIDToString(dev.ID),
			Name:    dev.Name(),
			IsInput: true,
		})
	}

	playbackDevices, err := e.ctx.Devices(malgo.Playback)
	if err != nil {
		e.logger.Warnf("Failed to enumerate playback devices: %v", err)
		return devices, nil
	}
	for _, dev := range playbackDevices {
		name := dev.Name()
		found := false
		for i := range devices {
			if devices[i].Name == name {
				devices[i].IsOutput = true
				found = true
				break
			}
		}
		if !found {
			devices = append(devices, Device{
				ID:       deviceIDToString(dev.ID),
				Name:     name,
				IsOutput: true,
			})
		}
	}
	return devices, nil
}

// Close освобождает аудио контекст
func (e *Engine) Close() {
	if e.ctx != nil {
		e.ctx.Uninit()
		e.ctx.Free()
	}
}

func (e *Engine) release() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

// AcquireOptions — параметры одного захвата
type AcquireOptions struct {
	// MicDeviceID — пустая строка или "default" означает устройство
	// по умолчанию
	MicDeviceID string
	// SystemDeviceID — loopback устройство системного звука
	SystemDeviceID string
	// WantSystemAudio включает захват системного звука (best-effort)
	WantSystemAudio bool
	// DisableMix отключает сведение в один канал: микрофон и система
	// пишутся раздельными каналами
	DisableMix bool
}

// Acquire запускает захват. Микрофон обязателен: его отказ — ошибка.
// Системный звук best-effort: его отказ лишь поднимает флаг degraded,
// запись продолжается одним микрофоном.
func (e *Engine) Acquire(opts AcquireOptions) (*Handle, error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, ErrCaptureBusy
	}
	e.busy = true
	e.mu.Unlock()

	h := &Handle{
		engine:  e,
		out:     make(chan Fragment, 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if err := h.startMicrophone(opts.MicDeviceID); err != nil {
		e.release()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	if opts.WantSystemAudio {
		if err := h.startSystem(opts.SystemDeviceID); err != nil {
			e.logger.Warnf("System audio unavailable, recording microphone only: %v", err)
			h.degraded = true
		}
	}

	h.mixed = opts.WantSystemAudio && !opts.DisableMix && h.sysDevice != nil
	h.frag = newFragmenter(h.mixed)
	go h.emitLoop()

	e.logger.Infof("Capture started (system=%v mixed=%v degraded=%v)",
		h.sysDevice != nil, h.mixed, h.degraded)
	return h, nil
}

// Handle — один активный захват
type Handle struct {
	engine *Engine
	frag   *fragmenter
	out    chan Fragment

	micDevice *malgo.Device
	sysDevice *malgo.Device

	mixed    bool
	degraded bool

	mu       sync.Mutex
	micLevel float64
	sysLevel float64
	err      error

	stopOnce sync.Once
	stopErr  error
	quit     chan struct{}
	stopped  chan struct{}
}

func (h *Handle) startMicrophone(deviceID string) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	if deviceID != "" && deviceID != "default" {
		id, err := stringToDeviceID(deviceID)
		if err != nil {
			return err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		samples := decodeF32(pInputSamples, int(framecount))
		if samples == nil {
			return
		}
		h.setLevel(&h.micLevel, RMS(samples))
		h.frag.pushMic(samples)
	}

	var err error
	h.micDevice, err = malgo.InitDevice(h.engine.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
		Stop: func() { h.deviceStopped(ChannelMicrophone) },
	})
	if err != nil {
		return err
	}
	if err := h.micDevice.Start(); err != nil {
		h.micDevice.Uninit()
		h.micDevice = nil
		return err
	}
	return nil
}

func (h *Handle) startSystem(deviceID string) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 2 // loopback устройства отдают стерео
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	if deviceID != "" {
		id, err := stringToDeviceID(deviceID)
		if err != nil {
			return err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	channels := int(deviceConfig.Capture.Channels)
	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		stereo := decodeF32(pInputSamples, int(framecount)*channels)
		if stereo == nil {
			return
		}
		// Сводим стерео в моно
		mono := make([]float64, int(framecount))
		for i := range mono {
			var sum float64
			for ch := 0; ch < channels; ch++ {
				sum += stereo[i*channels+ch]
			}
			mono[i] = sum / float64(channels)
		}
		h.setLevel(&h.sysLevel, RMS(mono))
		h.frag.pushSystem(mono)
	}

	var err error
	h.sysDevice, err = malgo.InitDevice(h.engine.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
		Stop: func() { h.deviceStopped(ChannelSystem) },
	})
	if err != nil {
		return err
	}
	if err := h.sysDevice.Start(); err != nil {
		h.sysDevice.Uninit()
		h.sysDevice = nil
		return err
	}
	return nil
}

// deviceStopped вызывается malgo при неожиданной остановке устройства
// (выдернули наушники, ушло bluetooth). Плановая остановка проходит
// через Stop и сюда не попадает как ошибка.
func (h *Handle) deviceStopped(ch Channel) {
	select {
	case <-h.quit:
		return
	default:
	}
	h.mu.Lock()
	if h.err == nil {
		h.err = fmt.Errorf("%w: %s device stopped", ErrDeviceUnavailable, ch)
	}
	h.mu.Unlock()
	h.engine.logger.Warnf("Audio device stopped unexpectedly: %s", ch)
}

func (h *Handle) emitLoop() {
	frag := time.NewTicker(h.engine.opts.FragmentInterval)
	backstop := time.NewTicker(h.engine.opts.FlushInterval)
	defer frag.Stop()
	defer backstop.Stop()

	for {
		select {
		case <-h.quit:
			// Дожимаем всё что осталось в буферах
			for _, f := range h.frag.cut(true) {
				h.out <- f
			}
			close(h.out)
			close(h.stopped)
			return
		case <-frag.C:
			for _, f := range h.frag.cut(false) {
				h.out <- f
			}
		case <-backstop.C:
			for _, f := range h.frag.cut(true) {
				h.out <- f
			}
		}
	}
}

// Fragments возвращает канал фрагментов. Закрывается после Stop, когда
// все накопленные данные выданы.
func (h *Handle) Fragments() <-chan Fragment {
	return h.out
}

// SystemDegraded — системный звук запрошен, но недоступен
func (h *Handle) SystemDegraded() bool {
	return h.degraded
}

// Mixed — каналы сведены в один
func (h *Handle) Mixed() bool {
	return h.mixed
}

// Levels возвращает текущие RMS уровни для метринга
func (h *Handle) Levels() (mic, system float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.micLevel, h.sysLevel
}

// Err возвращает ошибку устройства, возникшую во время захвата
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setLevel(dst *float64, v float64) {
	h.mu.Lock()
	*dst = v
	h.mu.Unlock()
}

// Stop останавливает устройства и дожидается выдачи остатков данных.
// Ожидание ограничено StopTimeout: подвисший аудио драйвер не должен
// вешать приложение. Повторные вызовы безопасны.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		timeout := h.engine.opts.StopTimeout
		done := make(chan struct{})
		go func() {
			if h.micDevice != nil {
				h.micDevice.Uninit()
			}
			if h.sysDevice != nil {
				h.sysDevice.Uninit()
			}
			close(done)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			h.stopErr = fmt.Errorf("audio devices did not stop within %s", timeout)
		case <-ctx.Done():
			h.stopErr = ctx.Err()
		}

		close(h.quit)
		select {
		case <-h.stopped:
		case <-time.After(timeout):
		}
		h.engine.release()
		h.engine.logger.Info("Capture stopped")
	})
	return h.stopErr
}

func decodeF32(raw []byte, sampleCount int) []float64 {
	if len(raw) != sampleCount*4 {
		return nil
	}
	samples := make([]float64, sampleCount)
	for i := 0; i < sampleCount; i++ {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		samples[i] = float64(math.Float32frombits(bits))
	}
	return samples
}

// Конвертация DeviceID в строку и обратно
func deviceIDToString(id malgo.DeviceID) string {
	var result strings.Builder
	for _, b := range id[:32] {
		if b == 0 {
			break
		}
		result.WriteByte(b)
	}
	return result.String()
}

func stringToDeviceID(s string) (*malgo.DeviceID, error) {
	if len(s) > 32 {
		return nil, fmt.Errorf("device ID too long")
	}
	var id malgo.DeviceID
	copy(id[:], []byte(s))
	return &id, nil
}
