package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream   int64
	errorsDispatch int64
	warnsStream    int64
	warnsDispatch  int64
	ticksRead      int64
	ticksDropped   int64
	failoverCount  int64
	ordersPriced   int64
	auditWrites    int64
	feedPublishes  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "conn") || strings.Contains(component, "pool") || strings.Contains(component, "failover") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "dispatch") {
		atomic.AddInt64(&warnsDispatch, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "conn") || strings.Contains(component, "pool") || strings.Contains(component, "failover") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "dispatch") {
		atomic.AddInt64(&errorsDispatch, 1)
	}
}

// IncrementTickRead records one tick decoded off the transport.
func IncrementTickRead(size int) {
	atomic.AddInt64(&ticksRead, 1)
	recordChannel("ticks_ws", size)
}

// IncrementTickDropped records one tick dropped by a dispatcher queue.
func IncrementTickDropped(handler string) {
	atomic.AddInt64(&ticksDropped, 1)
	recordChannel("dropped_"+handler, 0)
}

// IncrementFailover records one failover attempt, success or failure.
func IncrementFailover() {
	atomic.AddInt64(&failoverCount, 1)
}

// IncrementOrderPriced records one execution price computed.
func IncrementOrderPriced() {
	atomic.AddInt64(&ordersPriced, 1)
}

// IncrementAuditWrite records one audit batch persisted.
func IncrementAuditWrite(size int64) {
	atomic.AddInt64(&auditWrites, 1)
	recordChannel("audit_write", int(size))
}

// IncrementFeedPublish records one envelope pushed to feed consumers.
func IncrementFeedPublish(size int) {
	atomic.AddInt64(&feedPublishes, 1)
	recordChannel("feed_push", size)
}

// RecordChannelMessage tracks arbitrary named channel traffic.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_stream":   atomic.LoadInt64(&errorsStream),
		"errors_dispatch": atomic.LoadInt64(&errorsDispatch),
		"warns_stream":    atomic.LoadInt64(&warnsStream),
		"warns_dispatch":  atomic.LoadInt64(&warnsDispatch),
		"ticks_read":      atomic.LoadInt64(&ticksRead),
		"ticks_dropped":   atomic.LoadInt64(&ticksDropped),
		"failovers":       atomic.LoadInt64(&failoverCount),
		"orders_priced":   atomic.LoadInt64(&ordersPriced),
		"audit_writes":    atomic.LoadInt64(&auditWrites),
		"feed_publishes":  atomic.LoadInt64(&feedPublishes),
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("AM-TicksRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksRead)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-TicksDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksDropped)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-Failovers"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&failoverCount)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-OrdersPriced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ordersPriced)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsStream)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-ErrorsDispatch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsDispatch)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsStream)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-WarnsDispatch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsDispatch)))},
		cwtypes.MetricDatum{MetricName: aws.String("AM-HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("AM-Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("AM-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("AM-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
