package elementwise

// openclSource holds the OpenCL C kernels, with arguments (out, a, b, n, b_stride).
// With b_stride 0, b holds a single element.
const openclSource = `
inline float2 aura_cdiv(const float2 x, const float2 y) {
	if (fabs(y.x) >= fabs(y.y)) {
		const float r = y.y / y.x;
		const float den = y.x + y.y * r;
		return (float2)((x.x + x.y * r) / den, (x.y - x.x * r) / den);
	}
	const float r = y.x / y.y;
	const float den = y.x * r + y.y;
	return (float2)((x.x * r + x.y) / den, (x.y * r - x.x) / den);
}

__kernel void aura_div_f32_f32(__global float* out, __global const float* a, __global const float* b,
                               const uint n, const uint b_stride) {
	const size_t i = get_global_id(0);
	if (i < n) {
		out[i] = a[i] / b[i * b_stride];
	}
}

__kernel void aura_div_c64_c64(__global float2* out, __global const float2* a, __global const float2* b,
                               const uint n, const uint b_stride) {
	const size_t i = get_global_id(0);
	if (i < n) {
		out[i] = aura_cdiv(a[i], b[i * b_stride]);
	}
}

__kernel void aura_div_f32_c64(__global float2* out, __global const float* a, __global const float2* b,
                               const uint n, const uint b_stride) {
	const size_t i = get_global_id(0);
	if (i < n) {
		out[i] = aura_cdiv((float2)(a[i], 0.0f), b[i * b_stride]);
	}
}

__kernel void aura_div_c64_f32(__global float2* out, __global const float2* a, __global const float* b,
                               const uint n, const uint b_stride) {
	const size_t i = get_global_id(0);
	if (i < n) {
		out[i] = a[i] / b[i * b_stride];
	}
}
`

// cudaPTX holds the CUDA kernels, with arguments (out, a, b, n, b_stride).
const cudaPTX = `
.version 6.0
.target sm_50
.address_size 64

.visible .entry aura_div_f32_f32(
	.param .u64 param_out,
	.param .u64 param_a,
	.param .u64 param_b,
	.param .u32 param_n,
	.param .u32 param_b_stride
)
{
	.reg .pred 	%p<2>;
	.reg .b32 	%r<8>;
	.reg .f32 	%f<4>;
	.reg .b64 	%rd<12>;

	ld.param.u64 	%rd1, [param_out];
	ld.param.u64 	%rd2, [param_a];
	ld.param.u64 	%rd3, [param_b];
	ld.param.u32 	%r2, [param_n];
	ld.param.u32 	%r6, [param_b_stride];
	mov.u32 	%r3, %ctaid.x;
	mov.u32 	%r4, %ntid.x;
	mov.u32 	%r5, %tid.x;
	mad.lo.s32 	%r1, %r3, %r4, %r5;
	setp.ge.u32 	%p1, %r1, %r2;
	@%p1 bra 	$L_done;
	cvta.to.global.u64 	%rd4, %rd1;
	cvta.to.global.u64 	%rd5, %rd2;
	cvta.to.global.u64 	%rd6, %rd3;
	mul.wide.u32 	%rd7, %r1, 4;
	mul.lo.s32 	%r7, %r1, %r6;
	mul.wide.u32 	%rd11, %r7, 4;
	add.s64 	%rd8, %rd5, %rd7;
	add.s64 	%rd9, %rd6, %rd11;
	add.s64 	%rd10, %rd4, %rd7;
	ld.global.f32 	%f1, [%rd8];
	ld.global.f32 	%f2, [%rd9];
	div.rn.f32 	%f3, %f1, %f2;
	st.global.f32 	[%rd10], %f3;
$L_done:
	ret;
}
`
