package mixnet

import "context"

// GenProtocolInfo runs "vmni -prot" to produce a session's stub.xml
// from its parameters, mirroring Mixnet.mixnet_gen_protocol_info().
func (d *Driver) GenProtocolInfo(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmni", append([]string{"-prot"}, args...)...)
}

// GenPrivateInfo runs "vmni -party" to produce one authority's
// privInfo.xml, mirroring mixnet_gen_private_info().
func (d *Driver) GenPrivateInfo(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmni", append([]string{"-party"}, args...)...)
}

// Merge runs "vmn -merge" to fold all authorities' protInfo.xml files
// into a single joint protInfo.xml, mirroring mixnet_merge_info_files().
func (d *Driver) Merge(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmn", append([]string{"-merge"}, args...)...)
}

// GenPublicKey runs "vmn -keygen" to perform the distributed key
// generation round, mirroring mixnet_gen_public_key().
func (d *Driver) GenPublicKey(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmn", append([]string{"-keygen"}, args...)...)
}

// Mix runs "vmn -mix" to shuffle and re-encrypt a ciphertext batch,
// mirroring mixnet_tally_votes().
func (d *Driver) Mix(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmn", append([]string{"-mix"}, args...)...)
}

// Reset runs "vmn -reset" to clear a session's working state so a
// tally can be rerun, used by the --reset-tally CLI flag.
func (d *Driver) Reset(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmn", append([]string{"-reset"}, args...)...)
}

// Verify runs "vmnv" to independently verify a completed mix,
// mirroring mixnet_verify_tally().
func (d *Driver) Verify(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmnv", args...)
}

// ConvertPkeyJSON runs "vmnc -pkey" to export the group public key as
// JSON, mirroring mixnet_convert_public_key_to_json().
func (d *Driver) ConvertPkeyJSON(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmnc", append([]string{"-pkey"}, args...)...)
}

// ConvertCiphertextsJSON runs "vmnc -ciphs" to convert a JSON
// ciphertext batch into the mixnet's native format before mixing.
func (d *Driver) ConvertCiphertextsJSON(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmnc", append([]string{"-ciphs"}, args...)...)
}

// ConvertPlaintextsJSON runs "vmnc -plain" to convert the mixed
// plaintexts back into JSON for publication, mirroring
// mixnet_convert_plaintexts_to_json().
func (d *Driver) ConvertPlaintextsJSON(ctx context.Context, cwd string, args ...string) (*Result, error) {
	return d.run(ctx, cwd, "vmnc", append([]string{"-plain"}, args...)...)
}
