package webapi

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/eventloop"
)

// encodingJS defines TextEncoder, TextDecoder, atob and btoa. Decoding and
// base64 run in Go; bytes cross the boundary as hex text.
const encodingJS = `
(function() {
	function toBytes(buf) {
		if (buf === undefined || buf === null) return new Uint8Array(0);
		if (buf instanceof ArrayBuffer) return new Uint8Array(buf);
		if (ArrayBuffer.isView(buf)) return new Uint8Array(buf.buffer, buf.byteOffset, buf.byteLength);
		throw new TypeError('expected an ArrayBuffer or ArrayBufferView');
	}

	function toHex(bytes) {
		var out = new Array(bytes.length);
		for (var i = 0; i < bytes.length; i++) {
			out[i] = (bytes[i] < 16 ? '0' : '') + bytes[i].toString(16);
		}
		return out.join('');
	}

	globalThis.TextEncoder = class TextEncoder {
		get encoding() { return 'utf-8'; }
		encode(input) {
			var s = input === undefined ? '' : String(input);
			var out = [];
			for (var i = 0; i < s.length; i++) {
				var c = s.charCodeAt(i);
				if (c >= 0xd800 && c <= 0xdbff && i + 1 < s.length) {
					var d = s.charCodeAt(i + 1);
					if (d >= 0xdc00 && d <= 0xdfff) {
						c = 0x10000 + ((c - 0xd800) << 10) + (d - 0xdc00);
						i++;
					}
				}
				if (c >= 0xd800 && c <= 0xdfff) c = 0xfffd;
				if (c < 0x80) {
					out.push(c);
				} else if (c < 0x800) {
					out.push(0xc0 | (c >> 6), 0x80 | (c & 0x3f));
				} else if (c < 0x10000) {
					out.push(0xe0 | (c >> 12), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
				} else {
					out.push(0xf0 | (c >> 18), 0x80 | ((c >> 12) & 0x3f), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
				}
			}
			return new Uint8Array(out);
		}
		get [Symbol.toStringTag]() { return 'TextEncoder'; }
	};

	globalThis.TextDecoder = class TextDecoder {
		constructor(label, options) {
			var enc = (label === undefined ? 'utf-8' : String(label)).trim().toLowerCase();
			if (enc === 'utf8' || enc === 'unicode-1-1-utf-8') enc = 'utf-8';
			if (enc !== 'utf-8') throw new RangeError('unsupported encoding: ' + label);
			this._fatal = !!(options && options.fatal);
			this._ignoreBOM = !!(options && options.ignoreBOM);
		}
		get encoding() { return 'utf-8'; }
		get fatal() { return this._fatal; }
		get ignoreBOM() { return this._ignoreBOM; }
		decode(buf) {
			return __decodeUTF8(toHex(toBytes(buf)), this._fatal, this._ignoreBOM);
		}
		get [Symbol.toStringTag]() { return 'TextDecoder'; }
	};

	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError('btoa requires 1 argument');
		var s = String(data);
		var bytes = new Uint8Array(s.length);
		for (var i = 0; i < s.length; i++) {
			var c = s.charCodeAt(i);
			if (c > 255) throw new TypeError('btoa: string contains characters outside of the Latin1 range');
			bytes[i] = c;
		}
		return __base64Encode(toHex(bytes));
	};

	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError('atob requires 1 argument');
		var hex = __base64Decode(String(data));
		var out = '';
		for (var i = 0; i < hex.length; i += 2) {
			out += String.fromCharCode(parseInt(hex.substr(i, 2), 16));
		}
		return out;
	};
})();
`

var errInvalidUTF8 = errors.New("the encoded data was not valid utf-8")

// decodeUTF8 decodes hex-carried bytes as UTF-8. Invalid sequences are an
// error when fatal is set and are replaced with U+FFFD otherwise.
func decodeUTF8(hexBytes string, fatal, ignoreBOM bool) (string, error) {
	b, err := hex.DecodeString(hexBytes)
	if err != nil {
		return "", err
	}
	if !ignoreBOM && len(b) >= 3 && b[0] == 0xef && b[1] == 0xbb && b[2] == 0xbf {
		b = b[3:]
	}
	if utf8.Valid(b) {
		return string(b), nil
	}
	if fatal {
		return "", errInvalidUTF8
	}
	return strings.ToValidUTF8(string(b), "\ufffd"), nil
}

func base64Encode(hexBytes string) (string, error) {
	b, err := hex.DecodeString(hexBytes)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// base64Decode accepts forgiving base64: ASCII whitespace is ignored and
// padding is optional.
func base64Decode(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	if len(s)%4 == 0 {
		s = strings.TrimSuffix(strings.TrimSuffix(s, "="), "=")
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", errors.New("atob: invalid base64 string")
	}
	return hex.EncodeToString(b), nil
}

// SetupEncoding installs the text and base64 codecs.
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	for name, fn := range map[string]any{
		"__decodeUTF8":   decodeUTF8,
		"__base64Encode": base64Encode,
		"__base64Decode": base64Decode,
	} {
		if err := rt.RegisterFunc(name, fn); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	return nil
}
