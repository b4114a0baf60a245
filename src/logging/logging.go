package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	color "git.handmade.network/hmn/heapkeeper/src/ansicolor"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	zerolog.ErrorStackMarshaler = oops.ZerologStackMarshaler
	log.Logger = log.Output(NewPrettyZerologWriter(os.Stderr))
}

// SetLevel is called once the config has been loaded. Before that the
// zerolog default (debug) applies.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

/*
Switches the global logger between the console writer and one JSON object
per line. Long-running checkers and batch ingestion on servers log JSON so
the output can be shipped somewhere; people at a terminal get the console
writer.
*/
func SetJSON(enabled bool) {
	if enabled {
		log.Logger = log.Output(os.Stderr)
	} else {
		log.Logger = log.Output(NewPrettyZerologWriter(os.Stderr))
	}
}

func GlobalLogger() *zerolog.Logger {
	return &log.Logger
}

func Debug() *zerolog.Event {
	return log.Debug().Timestamp().Stack()
}

func Info() *zerolog.Event {
	return log.Info().Timestamp().Stack()
}

func Warn() *zerolog.Event {
	return log.Warn().Timestamp().Stack()
}

func Error() *zerolog.Event {
	return log.Error().Timestamp().Stack()
}

/*
Console log writer. Short scalar fields (heap names, message ids, counts)
go on the message line as key=value; errors, stack traces and structured
values get a block of their own underneath.
*/
type PrettyZerologWriter struct {
	out                 io.Writer
	wd                  string
	wasLastLogMultiline bool
}

type prettyLogEntry struct {
	Timestamp  string
	Level      string
	Message    string
	Error      string
	StackTrace []interface{}

	Inline []prettyField
	Block  []prettyField
}

type prettyField struct {
	Name  string
	Value interface{}
}

var ColorFromLevel = map[string]string{
	"trace": color.Gray,
	"debug": color.Gray,
	"info":  color.BgBlue,
	"warn":  color.BgYellow,
	"error": color.BgRed,
	"fatal": color.BgRed,
	"panic": color.BgRed,
}

const maxInlineLen = 60

func NewPrettyZerologWriter(out io.Writer) *PrettyZerologWriter {
	wd, _ := os.Getwd()
	return &PrettyZerologWriter{
		out: out,
		wd:  wd,
	}
}

// A field value printable on the message line, if it has one.
func inlineValue(val interface{}) (string, bool) {
	var s string
	switch v := val.(type) {
	case string:
		s = v
		if strings.ContainsAny(s, " \t\n\"=") {
			s = strconv.Quote(s)
		}
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(v)
	case nil:
		s = "null"
	default:
		return "", false
	}
	return s, len(s) <= maxInlineLen
}

func (w *PrettyZerologWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	err := json.Unmarshal(p, &fields)
	if err != nil {
		return w.out.Write(p)
	}

	var pretty prettyLogEntry
	for name, val := range fields {
		switch name {
		case zerolog.TimestampFieldName:
			pretty.Timestamp, _ = val.(string)
		case zerolog.LevelFieldName:
			pretty.Level, _ = val.(string)
		case zerolog.MessageFieldName:
			pretty.Message, _ = val.(string)
		case zerolog.ErrorFieldName:
			pretty.Error = fmt.Sprint(val)
		case zerolog.ErrorStackFieldName:
			pretty.StackTrace, _ = val.([]interface{})
		default:
			field := prettyField{Name: name, Value: val}
			if _, ok := inlineValue(val); ok {
				pretty.Inline = append(pretty.Inline, field)
			} else {
				pretty.Block = append(pretty.Block, field)
			}
		}
	}

	byName := func(fields []prettyField) {
		sort.Slice(fields, func(i, j int) bool {
			return fields[i].Name < fields[j].Name
		})
	}
	byName(pretty.Inline)
	byName(pretty.Block)

	isMultiline := pretty.Error != "" || pretty.StackTrace != nil || pretty.Block != nil

	var b strings.Builder
	if isMultiline || w.wasLastLogMultiline {
		b.WriteString("---------------------------------------\n")
	}
	if pretty.Timestamp != "" {
		b.WriteString(pretty.Timestamp)
		b.WriteString(" ")
	}
	if pretty.Level != "" {
		b.WriteString(ColorFromLevel[pretty.Level])
		b.WriteString(color.Bold)
		b.WriteString(strings.ToUpper(pretty.Level))
		b.WriteString(color.Reset)
		b.WriteString(": ")
	}
	b.WriteString(pretty.Message)
	for _, field := range pretty.Inline {
		value, _ := inlineValue(field.Value)
		b.WriteString(" " + color.Gray + field.Name + "=" + color.Reset + value)
	}
	b.WriteString("\n")
	if pretty.Error != "" {
		b.WriteString("  " + color.Bold + color.Red + "ERROR:" + color.Reset + " ")
		b.WriteString(pretty.Error)
		b.WriteString("\n")
	}
	if len(pretty.Block) > 0 {
		b.WriteString("  " + color.Bold + color.Blue + "Fields:" + color.Reset + "\n")
		for _, field := range pretty.Block {
			valuePretty, _ := json.MarshalIndent(field.Value, "    ", "  ")
			b.WriteString("    ")
			b.WriteString(field.Name)
			b.WriteString(": ")
			b.Write(valuePretty)
			b.WriteString("\n")
		}
	}
	if pretty.StackTrace != nil {
		b.WriteString("  " + color.Bold + color.Blue + "Stack trace:" + color.Reset + "\n")
		for _, frame := range pretty.StackTrace {
			frameMap, ok := frame.(map[string]interface{})
			if !ok {
				continue
			}
			file, _ := frameMap["file"].(string)
			function, _ := frameMap["function"].(string)
			line, _ := frameMap["line"].(float64)
			file = strings.Replace(file, w.wd, ".", 1)

			fmt.Fprintf(&b, "    %s (%s:%d)\n", function, file, int(line))
		}
	}

	w.wasLastLogMultiline = isMultiline

	if _, err := io.WriteString(w.out, b.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func LogPanics(logger *zerolog.Logger) {
	if r := recover(); r != nil {
		LogPanicValue(logger, r, "recovered from panic")
	}
}

func LogPanicValue(logger *zerolog.Logger, val interface{}, msg string) {
	if logger == nil {
		logger = GlobalLogger()
	}

	if err, ok := val.(error); ok {
		l := logger.Error().Err(err)
		if _, ok := err.(*oops.Error); !ok {
			l = l.Interface(zerolog.ErrorStackFieldName, oops.Trace())
		}
		l.Msg(msg)
	} else {
		logger.Error().
			Interface("recovered", val).
			Interface(zerolog.ErrorStackFieldName, oops.Trace()).
			Msg(msg)
	}
}

type loggerContextKey struct{}

func AttachLoggerToContext(logger *zerolog.Logger, ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// ExtractLogger returns the logger attached to ctx, or the global logger.
func ExtractLogger(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*zerolog.Logger)
	if !ok {
		return GlobalLogger()
	}
	return logger
}
