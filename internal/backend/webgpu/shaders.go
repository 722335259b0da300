//go:build windows

package webgpu

// workgroupSize is the number of threads per workgroup for element-wise kernels.
const workgroupSize = 256

// tileSize is the edge of the square matmul tile held in workgroup memory.
const tileSize = 16

// matmulShader performs tiled matrix multiplication: C = A @ B.
// A is [M, K], B is [K, N], C is [M, N].
const matmulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    M: u32,
    K: u32,
    N: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

const TILE: u32 = 16u;
var<workgroup> tile_a: array<f32, 256>;
var<workgroup> tile_b: array<f32, 256>;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>) {
    let row = gid.y;
    let col = gid.x;
    let slot = lid.y * TILE + lid.x;

    var acc: f32 = 0.0;
    let tiles = (params.K + TILE - 1u) / TILE;
    for (var t: u32 = 0u; t < tiles; t = t + 1u) {
        let ak = t * TILE + lid.x;
        let bk = t * TILE + lid.y;

        if (row < params.M && ak < params.K) {
            tile_a[slot] = a[row * params.K + ak];
        } else {
            tile_a[slot] = 0.0;
        }
        if (col < params.N && bk < params.K) {
            tile_b[slot] = b[bk * params.N + col];
        } else {
            tile_b[slot] = 0.0;
        }
        workgroupBarrier();

        for (var k: u32 = 0u; k < TILE; k = k + 1u) {
            acc = acc + tile_a[lid.y * TILE + k] * tile_b[k * TILE + lid.x];
        }
        workgroupBarrier();
    }

    if (row < params.M && col < params.N) {
        result[row * params.N + col] = acc;
    }
}
`

// reluShader applies ReLU activation: result = max(0, x).
const reluShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x < params.size) {
        result[gid.x] = max(0.0, input[gid.x]);
    }
}
`

// softmaxShader applies softmax along rows with one 64-thread workgroup per
// row, reducing max and sum in workgroup memory.
const softmaxShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

const LANES: u32 = 64u;
var<workgroup> scratch: array<f32, 64>;

@compute @workgroup_size(64)
fn main(@builtin(workgroup_id) wid: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>) {
    let offset = wid.x * params.cols;

    var m: f32 = -3.4e38;
    for (var i: u32 = lid.x; i < params.cols; i = i + LANES) {
        m = max(m, input[offset + i]);
    }
    scratch[lid.x] = m;
    workgroupBarrier();
    for (var s: u32 = LANES / 2u; s > 0u; s = s >> 1u) {
        if (lid.x < s) {
            scratch[lid.x] = max(scratch[lid.x], scratch[lid.x + s]);
        }
        workgroupBarrier();
    }
    let row_max = scratch[0];
    workgroupBarrier();

    var sum: f32 = 0.0;
    for (var i: u32 = lid.x; i < params.cols; i = i + LANES) {
        let e = exp(input[offset + i] - row_max);
        result[offset + i] = e;
        sum = sum + e;
    }
    scratch[lid.x] = sum;
    workgroupBarrier();
    for (var s: u32 = LANES / 2u; s > 0u; s = s >> 1u) {
        if (lid.x < s) {
            scratch[lid.x] = scratch[lid.x] + scratch[lid.x + s];
        }
        workgroupBarrier();
    }
    let total = scratch[0];

    for (var i: u32 = lid.x; i < params.cols; i = i + LANES) {
        result[offset + i] = result[offset + i] / total;
    }
}
`
