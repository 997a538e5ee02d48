package webapi

import (
	"fmt"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
)

// encodingJS implements atob/btoa in plain JS, the byte helpers the base64
// chunk path uses when the runtime has no binary transfer, and UTF-8
// TextEncoder/TextDecoder for engines that ship without them.
const encodingJS = `
(function() {
	const _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	const _d = new Uint8Array(128);
	const _v = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) {
		_d[_e.charCodeAt(i)] = i;
		_v[_e.charCodeAt(i)] = 1;
	}

	function encode(bytes) {
		const len = bytes.length;
		const out = [];
		for (let i = 0; i < len; i += 3) {
			const a = bytes[i];
			const b = i + 1 < len ? bytes[i + 1] : 0;
			const c = i + 2 < len ? bytes[i + 2] : 0;
			out.push(
				_e[a >> 2],
				_e[((a & 3) << 4) | (b >> 4)],
				i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=',
				i + 2 < len ? _e[c & 63] : '='
			);
		}
		return out.join('');
	}

	function decode(s) {
		let b64 = String(s).replace(/[\t\n\f\r ]/g, '');
		if (b64.length % 4 === 0 && b64[b64.length - 1] === '=') {
			b64 = b64.slice(0, b64[b64.length - 2] === '=' ? -2 : -1);
		}
		if (b64.length % 4 === 1) throw new Error('invalid base64 string');
		for (let i = 0; i < b64.length; i++) {
			const ch = b64.charCodeAt(i);
			if (ch >= 128 || !_v[ch]) throw new Error('invalid base64 string');
		}
		const outLen = Math.floor(b64.length * 3 / 4);
		const bytes = new Uint8Array(outLen);
		let j = 0;
		for (let i = 0; i < b64.length; i += 4) {
			const a = _d[b64.charCodeAt(i)];
			const b = _d[b64.charCodeAt(i + 1)];
			const c = i + 2 < b64.length ? _d[b64.charCodeAt(i + 2)] : 0;
			const d = i + 3 < b64.length ? _d[b64.charCodeAt(i + 3)] : 0;
			bytes[j++] = (a << 2) | (b >> 4);
			if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
		}
		return bytes;
	}

	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError('btoa requires 1 argument');
		const s = String(data);
		const bytes = new Uint8Array(s.length);
		for (let i = 0; i < s.length; i++) {
			const ch = s.charCodeAt(i);
			if (ch > 255) throw new Error('btoa: string contains characters outside of the Latin1 range');
			bytes[i] = ch;
		}
		return encode(bytes);
	};

	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError('atob requires 1 argument');
		const bytes = decode(data);
		let result = '';
		for (let i = 0; i < bytes.length; i += 4096) {
			result += String.fromCharCode.apply(null, bytes.subarray(i, Math.min(i + 4096, bytes.length)));
		}
		return result;
	};

	globalThis.__bytesToB64 = encode;
	globalThis.__b64ToBytes = decode;

	if (typeof globalThis.TextEncoder === 'undefined') {
		globalThis.TextEncoder = class TextEncoder {
			get encoding() { return 'utf-8'; }
			encode(s) {
				const bin = unescape(encodeURIComponent(s === undefined ? '' : String(s)));
				const out = new Uint8Array(bin.length);
				for (let i = 0; i < bin.length; i++) out[i] = bin.charCodeAt(i);
				return out;
			}
		};
	}
	if (typeof globalThis.TextDecoder === 'undefined') {
		globalThis.TextDecoder = class TextDecoder {
			get encoding() { return 'utf-8'; }
			decode(v) {
				if (v === undefined) return '';
				const u = v instanceof ArrayBuffer ? new Uint8Array(v) :
					new Uint8Array(v.buffer, v.byteOffset, v.byteLength);
				let bin = '';
				for (let i = 0; i < u.length; i += 4096) {
					bin += String.fromCharCode.apply(null, u.subarray(i, Math.min(i + 4096, u.length)));
				}
				return decodeURIComponent(escape(bin));
			}
		};
	}
})();
`

// SetupEncoding evaluates the pure-JS base64 helpers.
func SetupEncoding(rt core.JSRuntime, _ *eventloop.Bridge) error {
	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	return nil
}
